package translation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"epub-translator/internal/config"
)

// Request is one segment to translate.
type Request struct {
	Text           string
	SourceLang     string
	TargetLang     string
	PromptTemplate string
	Model          string
}

// Translator turns one segment into the target language. Implementations
// make a single attempt and report failures as *TranslationError, or as
// *config.ConfigurationError when retrying cannot help.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// Broadcaster receives live events for connected clients.
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
	BroadcastLog(level, message, module string)
}

type OpenAIClient struct {
	client         *openai.Client
	logger         *logrus.Logger
	model          string
	maxTokens      int
	temperature    float32
	requestTimeout time.Duration
	broadcaster    Broadcaster
}

// NewOpenAIClient builds a client for any OpenAI compatible endpoint.
func NewOpenAIClient(cfg config.OpenAIConfig, logger *logrus.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &config.ConfigurationError{Field: "openai.api_key", Reason: "API key is required"}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		logger:         logger,
		model:          model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		requestTimeout: cfg.RequestTimeout.Duration,
	}, nil
}

// SetBroadcaster enables llm_request/llm_response events.
func (c *OpenAIClient) SetBroadcaster(b Broadcaster) {
	c.broadcaster = b
}

// Model returns the model used when a request does not name one.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Translate sends one chat completion for req.Text. The system prompt is the
// rendered template, followed by a note about the source language.
func (c *OpenAIClient) Translate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return req.Text, nil
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req.PromptTemplate, req.TargetLang)},
		{Role: openai.ChatMessageRoleSystem, Content: SourcePrompt(req.SourceLang)},
		{Role: openai.ChatMessageRoleUser, Content: req.Text},
	}

	requestID := uuid.New().String()
	startTime := time.Now()
	requestContext := map[string]interface{}{
		"source_lang":   req.SourceLang,
		"target_lang":   req.TargetLang,
		"input_length":  len(req.Text),
		"input_preview": truncateText(req.Text, 100),
	}

	if c.broadcaster != nil {
		c.broadcaster.BroadcastMessage("llm_request", map[string]interface{}{
			"request_id":   requestID,
			"model":        model,
			"prompt":       truncateText(messages[0].Content, 1000),
			"max_tokens":   c.maxTokens,
			"temperature":  c.temperature,
			"timestamp":    startTime,
			"request_type": "text_translation",
			"context":      requestContext,
		})
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    messages,
	})

	var (
		translated   string
		finishReason string
		tokensUsed   int
	)
	if err != nil {
		err = classifyRequestError(model, err)
	} else if len(resp.Choices) == 0 {
		err = &TranslationError{Model: model, Reason: "no response choices returned"}
	} else {
		translated = strings.TrimSpace(resp.Choices[0].Message.Content)
		finishReason = string(resp.Choices[0].FinishReason)
		tokensUsed = resp.Usage.TotalTokens
		if translated == "" {
			err = &TranslationError{Model: model, Reason: "empty response content"}
		}
	}

	if c.broadcaster != nil {
		respMsg := map[string]interface{}{
			"request_id":    requestID,
			"response":      truncateText(translated, 1000),
			"tokens_used":   tokensUsed,
			"finish_reason": finishReason,
			"duration":      time.Since(startTime).String(),
			"success":       err == nil,
			"timestamp":     time.Now(),
			"context":       requestContext,
		}
		if err != nil {
			respMsg["error"] = err.Error()
		}
		c.broadcaster.BroadcastMessage("llm_response", respMsg)
	}

	if err != nil {
		c.logger.Debugf("OpenAI request %s failed: %v", requestID, err)
		return "", err
	}
	return translated, nil
}

// ListModels returns the model IDs offered by the endpoint, sorted.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// truncateText shortens text to at most maxLength bytes without splitting a rune.
func truncateText(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	if maxLength <= 3 {
		return "..."
	}
	cut := maxLength - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
