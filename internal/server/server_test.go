package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epub-translator/internal/config"
	"epub-translator/internal/epub/epubtest"
	"epub-translator/internal/translation"
)

type upperTranslator struct{}

func (upperTranslator) Translate(_ context.Context, req translation.Request) (string, error) {
	return strings.ToUpper(req.Text), nil
}

type stubModels struct {
	models []string
	err    error
}

func (s stubModels) ListModels(context.Context) ([]string, error) {
	return s.models, s.err
}

// blockingTranslator holds every call until release is closed.
type blockingTranslator struct {
	release chan struct{}
}

func (b blockingTranslator) Translate(ctx context.Context, req translation.Request) (string, error) {
	select {
	case <-b.release:
		return strings.ToUpper(req.Text), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestServer(t *testing.T, models ModelLister) *Server {
	t.Helper()
	return newTestServerWith(t, upperTranslator{}, models)
}

func newTestServerWith(t *testing.T, translator translation.Translator, models ModelLister) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.New()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.App.TempDir = filepath.Join(t.TempDir(), "tmp")
	cfg.App.OutputDir = filepath.Join(t.TempDir(), "output")
	cfg.Translation.RetryDelay = config.Duration{}

	return NewWithTranslator(cfg, logger, translator, models)
}

func fixtureEPUB(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.epub")
	epubtest.Write(t, path, epubtest.Book{
		Title:    "My Book",
		Language: "en",
		Documents: []epubtest.Doc{
			{ID: "ch1", Href: "ch1.xhtml", Body: "<p>The quick brown fox jumps over the lazy dog near the river bank.</p><p>Second line</p>"},
		},
	})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func perform(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("epub", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, target string, v interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestUploadTranslateDownload(t *testing.T) {
	s := newTestServer(t, nil)

	w := perform(s, uploadRequest(t, "book.epub", fixtureEPUB(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	uploaded := decode(t, w)
	id := uploaded["id"].(string)
	assert.Equal(t, "My Book", uploaded["title"])
	assert.Equal(t, "en", uploaded["language"])
	assert.Equal(t, float64(2), uploaded["segments"])

	w = perform(s, jsonRequest(t, http.MethodPost, "/translate", map[string]string{"id": id, "target_lang": "zh"}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := perform(s, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
		var status struct {
			State string `json:"state"`
		}
		return w.Code == http.StatusOK &&
			json.Unmarshal(w.Body.Bytes(), &status) == nil &&
			status.State == string(translation.StateCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	status := decode(t, perform(s, httptest.NewRequest(http.MethodGet, "/status/"+id, nil)))
	assert.Equal(t, float64(2), status["completed_segments"])
	assert.Equal(t, float64(0), status["failed_segments"])
	assert.Equal(t, "/download/"+id, status["download_url"])

	w = perform(s, httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/epub+zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "My_Book_zh.epub")

	downloaded := filepath.Join(t.TempDir(), "downloaded.epub")
	require.NoError(t, os.WriteFile(downloaded, w.Body.Bytes(), 0644))
	chapter := string(epubtest.ReadEntries(t, downloaded)["OEBPS/ch1.xhtml"])
	assert.Contains(t, chapter, "<p>SECOND LINE</p>")
	assert.Contains(t, chapter, `lang="zh"`)

	outputs := decode(t, perform(s, httptest.NewRequest(http.MethodGet, "/api/outputs", nil)))
	assert.Equal(t, float64(1), outputs["total"])

	w = perform(s, httptest.NewRequest(http.MethodDelete, "/api/epub/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, perform(s, httptest.NewRequest(http.MethodGet, "/status/"+id, nil)).Code)
}

func TestTranslateStartsOneJobPerUpload(t *testing.T) {
	held := blockingTranslator{release: make(chan struct{})}
	s := newTestServerWith(t, held, nil)

	id := decode(t, perform(s, uploadRequest(t, "book.epub", fixtureEPUB(t))))["id"].(string)

	const attempts = 8
	requests := make([]*http.Request, attempts)
	for i := range requests {
		requests[i] = jsonRequest(t, http.MethodPost, "/translate", map[string]string{"id": id, "target_lang": "zh"})
	}

	codes := make(chan int, attempts)
	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(req *http.Request) {
			defer wg.Done()
			codes <- perform(s, req).Code
		}(req)
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, map[int]int{http.StatusAccepted: 1, http.StatusConflict: attempts - 1}, counts)

	close(held.release)
	require.Eventually(t, func() bool {
		w := perform(s, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
		var status struct {
			State string `json:"state"`
		}
		return json.Unmarshal(w.Body.Bytes(), &status) == nil && status.State == string(translation.StateCompleted)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadRejectsBadFiles(t *testing.T) {
	s := newTestServer(t, nil)

	w := perform(s, uploadRequest(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(s, uploadRequest(t, "broken.epub", []byte("not a zip")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid EPUB file", decode(t, w)["error"])

	entries, err := os.ReadDir(s.config.App.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	assert.Equal(t, http.StatusBadRequest, perform(s, req).Code)
}

func TestTranslateValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := perform(s, jsonRequest(t, http.MethodPost, "/translate", map[string]string{"id": "missing", "target_lang": "zh"}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(s, jsonRequest(t, http.MethodPost, "/translate", map[string]string{"id": "x"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := decode(t, perform(s, uploadRequest(t, "book.epub", fixtureEPUB(t))))["id"].(string)
	w = perform(s, jsonRequest(t, http.MethodPost, "/translate", map[string]string{"id": id, "source_lang": "en", "target_lang": "en-US"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusBadRequest, perform(s, httptest.NewRequest(http.MethodGet, "/download/"+id, nil)).Code)
	assert.Equal(t, http.StatusNotFound, perform(s, httptest.NewRequest(http.MethodGet, "/status/"+id, nil)).Code)
}

func TestLanguagesEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := perform(s, httptest.NewRequest(http.MethodGet, "/api/languages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Languages []struct {
			Code      string `json:"code"`
			Name      string `json:"name"`
			Direction string `json:"direction"`
		} `json:"languages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	byCode := map[string]string{}
	for _, l := range body.Languages {
		byCode[l.Code] = l.Name + "/" + l.Direction
	}
	assert.Equal(t, "Chinese/ltr", byCode["zh"])
	assert.Equal(t, "Arabic/rtl", byCode["ar"])
}

func TestModelsEndpoint(t *testing.T) {
	w := perform(newTestServer(t, nil), httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = perform(newTestServer(t, stubModels{models: []string{"gpt-4o", "gpt-4o-mini"}}), httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []interface{}{"gpt-4o", "gpt-4o-mini"}, body["models"])
	assert.Equal(t, config.DefaultModel, body["default"])

	w = perform(newTestServer(t, stubModels{err: errors.New("unauthorized")}), httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t, nil)

	w := perform(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	req := httptest.NewRequest(http.MethodOptions, "/translate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = perform(s, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "My_Book-2", sanitizeFilename("My Book-2!"))
	assert.Equal(t, "translated_book", sanitizeFilename("日本語"))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", formatFileSize(512))
	assert.Equal(t, "1.5 KB", formatFileSize(1536))
	assert.Equal(t, "2.0 MB", formatFileSize(2*1024*1024))
}
