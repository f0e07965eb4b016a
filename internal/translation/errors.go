package translation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"epub-translator/internal/config"
)

// ErrTooManyFailures aborts a run once the configured failure policy is exceeded.
var ErrTooManyFailures = errors.New("too many segment translation failures")

// TranslationError reports one failed translation call. It never aborts a
// run on its own.
type TranslationError struct {
	Model  string
	Reason string
	Err    error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translation with %s failed: %s: %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("translation with %s failed: %s", e.Model, e.Reason)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// classifyRequestError maps a failed API call to the error the orchestrator
// acts on. Rejected credentials and unknown models or endpoints are
// configuration problems that no retry can fix.
func classifyRequestError(model string, err error) error {
	status, message := 0, err.Error()

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, message = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &config.ConfigurationError{
			Field:  "openai.api_key",
			Reason: fmt.Sprintf("rejected by the endpoint (HTTP %d): %s", status, message),
		}
	case http.StatusNotFound:
		return &config.ConfigurationError{
			Field:  "openai.model",
			Reason: fmt.Sprintf("model %q or endpoint not found (HTTP %d): %s", model, status, message),
		}
	}

	reason := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "request timed out"
	}
	return &TranslationError{Model: model, Reason: reason, Err: err}
}
