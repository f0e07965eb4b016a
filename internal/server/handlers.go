package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"epub-translator/internal/lang"
	"epub-translator/internal/langdetect"
	"epub-translator/internal/translation"
)

const (
	maxUploadSize     = 50 * 1024 * 1024
	detectionMaxBytes = 4000
)

// upload is an EPUB received over HTTP and waiting to be translated.
type upload struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	Title            string    `json:"title"`
	Language         string    `json:"language,omitempty"`
	DetectedLanguage string    `json:"detected_language,omitempty"`
	Documents        int       `json:"documents"`
	Segments         int       `json:"segments"`
	UploadedAt       time.Time `json:"uploaded_at"`

	path string
}

func (s *Server) getUpload(id string) (*upload, bool) {
	s.uploadsMu.RLock()
	defer s.uploadsMu.RUnlock()
	u, ok := s.uploads[id]
	return u, ok
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("epub")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	if strings.ToLower(filepath.Ext(file.Filename)) != ".epub" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File must be an EPUB"})
		return
	}

	if file.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 50MB)"})
		return
	}

	id := uuid.New().String()
	tempPath := filepath.Join(s.config.App.TempDir, id+".epub")
	if err := os.MkdirAll(s.config.App.TempDir, 0755); err != nil {
		s.logger.Errorf("Failed to create temp directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	if err := c.SaveUploadedFile(file, tempPath); err != nil {
		s.logger.Errorf("Failed to save uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	book, err := s.epubParser.Open(tempPath)
	if err != nil {
		_ = os.Remove(tempPath)
		s.logger.Errorf("Failed to open uploaded EPUB: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid EPUB file"})
		return
	}

	var samples []string
	segments := 0
	for _, doc := range book.Documents {
		for seg := range s.extractor.Segments(doc) {
			segments++
			if len(samples) < 40 {
				samples = append(samples, seg.Text)
			}
		}
	}

	u := &upload{
		ID:               id,
		Filename:         filepath.Base(file.Filename),
		Title:            book.Title(),
		Language:         book.Language(),
		DetectedLanguage: langdetect.DetectSamples(samples, detectionMaxBytes),
		Documents:        len(book.Documents),
		Segments:         segments,
		UploadedAt:       time.Now(),
		path:             tempPath,
	}

	s.uploadsMu.Lock()
	s.uploads[id] = u
	s.uploadsMu.Unlock()

	s.logger.Infof("Successfully uploaded EPUB: %s (ID: %s, %d segments)", u.Filename, id, segments)
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleTranslate(c *gin.Context) {
	var request struct {
		ID           string `json:"id" binding:"required"`
		TargetLang   string `json:"target_lang" binding:"required"`
		SourceLang   string `json:"source_lang"`
		Model        string `json:"model"`
		CustomPrompt string `json:"custom_prompt"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, exists := s.getUpload(request.ID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "EPUB not found"})
		return
	}

	sourceLang := request.SourceLang
	if sourceLang == "" {
		sourceLang = s.config.Translation.SourceLang
	}
	customPrompt := request.CustomPrompt
	if customPrompt == "" {
		customPrompt = s.config.Translation.CustomPrompt
	}

	if lang.Normalize(sourceLang) == lang.Normalize(request.TargetLang) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source and target languages are the same"})
		return
	}

	job := translation.Job{
		InputPath:    u.path,
		OutputPath:   filepath.Join(s.config.App.OutputDir, fmt.Sprintf("%s_%s.epub", u.ID, lang.Normalize(request.TargetLang))),
		SourceLang:   sourceLang,
		TargetLang:   request.TargetLang,
		CustomPrompt: customPrompt,
		Model:        request.Model,
	}

	callbacks, err := s.tracker.Start(request.ID, job)
	if errors.Is(err, translation.ErrJobInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Translation already in progress"})
		return
	}

	go func() {
		result, err := s.translationSvc.TranslateEPUB(context.Background(), job, callbacks)
		s.tracker.Finish(request.ID, result, err)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":         "Translation started",
		"status_url":      fmt.Sprintf("/status/%s", request.ID),
		"source_language": sourceLang,
		"target_language": request.TargetLang,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")

	progress, ok := s.tracker.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Translation not found"})
		return
	}

	response := gin.H{
		"id":                  progress.ID,
		"state":               progress.State,
		"source_language":     progress.SourceLanguage,
		"target_language":     progress.TargetLanguage,
		"total_segments":      progress.TotalSegments,
		"completed_segments":  progress.CompletedSegments,
		"failed_segments":     progress.FailedSegments,
		"progress_percentage": progress.Percent(),
		"started_at":          progress.StartedAt,
	}

	switch progress.State {
	case translation.StateCompleted:
		response["completed_at"] = progress.CompletedAt
		response["detected_language"] = progress.DetectedLanguage
		response["download_url"] = fmt.Sprintf("/download/%s", id)
	case translation.StateFailed:
		response["completed_at"] = progress.CompletedAt
		response["error_message"] = progress.ErrorMessage
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleDownload(c *gin.Context) {
	id := c.Param("id")

	u, exists := s.getUpload(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "EPUB not found"})
		return
	}

	progress, ok := s.tracker.Get(id)
	if !ok || progress.State != translation.StateCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Translation not completed"})
		return
	}

	title := u.Title
	if title == "" {
		title = strings.TrimSuffix(u.Filename, filepath.Ext(u.Filename))
	}
	filename := fmt.Sprintf("%s_%s.epub", sanitizeFilename(title), progress.TargetLanguage)

	c.Header("Content-Type", "application/epub+zip")
	c.FileAttachment(progress.OutputPath, filename)
}

func (s *Server) handleLanguages(c *gin.Context) {
	codes := lang.Supported()
	languages := make([]gin.H, 0, len(codes))
	for _, code := range codes {
		profile := lang.Resolve(code)
		languages = append(languages, gin.H{
			"code":      profile.Code,
			"name":      profile.Name,
			"direction": profile.Direction,
		})
	}
	c.JSON(http.StatusOK, gin.H{"languages": languages})
}

func (s *Server) handleModels(c *gin.Context) {
	if s.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model listing is not available"})
		return
	}

	models, err := s.models.ListModels(c.Request.Context())
	if err != nil {
		s.logger.Errorf("Failed to list models: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to list models"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": models, "default": s.config.OpenAI.Model})
}

func (s *Server) handleDeleteEpub(c *gin.Context) {
	id := c.Param("id")

	u, exists := s.getUpload(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "EPUB not found"})
		return
	}

	progress, ok := s.tracker.Get(id)
	if ok && !progress.State.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Translation still in progress"})
		return
	}

	s.uploadsMu.Lock()
	delete(s.uploads, id)
	s.uploadsMu.Unlock()

	if err := os.Remove(u.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("Failed to remove upload %s: %v", u.path, err)
	}
	if ok && progress.OutputPath != "" {
		if err := os.Remove(progress.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnf("Failed to remove output %s: %v", progress.OutputPath, err)
		}
	}
	s.tracker.Clear(id)

	c.JSON(http.StatusOK, gin.H{"message": "EPUB deleted successfully"})
}

// FileInfo describes a translated file in the output directory.
type FileInfo struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"size_formatted"`
	Modified      time.Time `json:"modified"`
}

func (s *Server) handleOutputs(c *gin.Context) {
	files, err := s.listOutputFiles()
	if err != nil {
		s.logger.Errorf("Failed to list output files: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list translated files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "total": len(files)})
}

func (s *Server) listOutputFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.config.App.OutputDir)
	if errors.Is(err, os.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	files := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".epub" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warnf("Failed to get info for file %s: %v", entry.Name(), err)
			continue
		}

		files = append(files, FileInfo{
			Name:          entry.Name(),
			Size:          info.Size(),
			SizeFormatted: formatFileSize(info.Size()),
			Modified:      info.ModTime(),
		})
	}

	// newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}

func sanitizeFilename(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "translated_book"
	}
	return b.String()
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
