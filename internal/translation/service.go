package translation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"epub-translator/internal/config"
	"epub-translator/internal/epub"
	"epub-translator/internal/lang"
	"epub-translator/internal/langdetect"
)

const (
	detectionSamples  = 40
	detectionMaxBytes = 4000
)

// State is a stage of one translation run.
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StateTranslating  State = "translating"
	StateReassembling State = "reassembling"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether a run in state s has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job describes one run. OutputPath defaults to DefaultOutputPath(InputPath).
type Job struct {
	InputPath      string
	OutputPath     string
	SourceLang     string
	TargetLang     string
	CustomPrompt   string
	Model          string
	AllowOverwrite bool
}

// Callbacks are invoked synchronously on the goroutine running the job.
// Nil fields are skipped.
type Callbacks struct {
	// Total is called once, after extraction, with the fixed segment count.
	Total func(total int)
	// Progress is called once per processed segment, whether it succeeded or not.
	Progress      func()
	State         func(state State)
	SegmentFailed func(seg epub.Segment, err error)
}

func (c Callbacks) total(n int) {
	if c.Total != nil {
		c.Total(n)
	}
}

func (c Callbacks) progress() {
	if c.Progress != nil {
		c.Progress()
	}
}

func (c Callbacks) state(s State) {
	if c.State != nil {
		c.State(s)
	}
}

func (c Callbacks) segmentFailed(seg epub.Segment, err error) {
	if c.SegmentFailed != nil {
		c.SegmentFailed(seg, err)
	}
}

// Result summarizes a finished run. Failed segments kept their original text.
type Result struct {
	OutputPath         string        `json:"output_path"`
	TotalSegments      int           `json:"total_segments"`
	Translated         int           `json:"translated"`
	Failed             int           `json:"failed"`
	Documents          int           `json:"documents"`
	DetectedSourceLang string        `json:"detected_source_lang,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// FailurePolicy aborts a run when per-segment failures pile up. Zero values
// disable the corresponding check.
type FailurePolicy struct {
	MaxFailures     int
	MaxFailureRatio float64
}

func (p FailurePolicy) exceeded(failed, total int) bool {
	if p.MaxFailures > 0 && failed > p.MaxFailures {
		return true
	}
	if p.MaxFailureRatio > 0 && total > 0 && float64(failed)/float64(total) > p.MaxFailureRatio {
		return true
	}
	return false
}

type Options struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Policy      FailurePolicy
	TitleSuffix string
}

// OptionsFromConfig maps the translation section of the configuration.
func OptionsFromConfig(cfg config.TranslationConfig) Options {
	return Options{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay.Duration,
		Policy: FailurePolicy{
			MaxFailures:     cfg.MaxFailures,
			MaxFailureRatio: cfg.MaxFailureRatio,
		},
		TitleSuffix: cfg.TitleSuffix,
	}
}

// Service runs the extract, translate and reassemble pipeline. Segments are
// translated one at a time in document order.
type Service struct {
	translator Translator
	parser     *epub.Parser
	extractor  *epub.Extractor
	builder    *epub.Builder
	logger     *logrus.Logger
	opts       Options
}

func NewService(translator Translator, logger *logrus.Logger, opts Options) *Service {
	return &Service{
		translator: translator,
		parser:     epub.NewParser(logger),
		extractor:  epub.NewExtractor(),
		builder:    epub.NewBuilder(logger),
		logger:     logger,
		opts:       opts,
	}
}

// DefaultOutputPath places "<name>_translated.epub" next to the input.
func DefaultOutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	return strings.TrimSuffix(inputPath, ext) + "_translated.epub"
}

// TranslateEPUB runs job to completion. Per-segment failures are counted in
// the Result; the returned error is set only when the whole run failed.
func (s *Service) TranslateEPUB(ctx context.Context, job Job, cb Callbacks) (*Result, error) {
	startTime := time.Now()
	cb.state(StateIdle)

	result, err := s.run(ctx, job, cb)
	if err != nil {
		s.logger.Errorf("Translation failed: %v", err)
		cb.state(StateFailed)
		return nil, err
	}

	result.Duration = time.Since(startTime)
	s.logger.Infof("Translation completed: %d/%d segments translated, %d failed, took %s",
		result.Translated, result.TotalSegments, result.Failed, result.Duration.Round(time.Millisecond))
	cb.state(StateCompleted)
	return result, nil
}

func (s *Service) run(ctx context.Context, job Job, cb Callbacks) (*Result, error) {
	if s.translator == nil {
		return nil, &config.ConfigurationError{Field: "openai", Reason: "no translation backend configured"}
	}
	if strings.TrimSpace(job.TargetLang) == "" {
		return nil, &config.ConfigurationError{Field: "translation.target_language", Reason: "target language is required"}
	}
	if job.OutputPath == "" {
		job.OutputPath = DefaultOutputPath(job.InputPath)
	}
	if job.SourceLang == "" {
		job.SourceLang = lang.Auto
	}

	cb.state(StateExtracting)

	if err := checkOutputPath(job); err != nil {
		return nil, err
	}

	book, err := s.parser.Open(job.InputPath)
	if err != nil {
		return nil, err
	}

	segments, err := s.extract(book)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OutputPath:    job.OutputPath,
		TotalSegments: len(segments),
		Documents:     len(book.Documents),
	}

	if lang.Normalize(job.SourceLang) == lang.Auto {
		result.DetectedSourceLang = detectSource(segments)
		if result.DetectedSourceLang != "" {
			s.logger.Infof("Detected source language: %s (%s)", result.DetectedSourceLang, lang.Name(result.DetectedSourceLang))
		}
	}

	s.logger.Infof("Extracted %d segments from %d documents", len(segments), len(book.Documents))
	cb.total(len(segments))

	cb.state(StateTranslating)
	if err := s.translateSegments(ctx, job, segments, result, cb); err != nil {
		return nil, err
	}

	cb.state(StateReassembling)
	profile := lang.Resolve(job.TargetLang)
	if err := s.builder.Localize(book, profile, epub.LocalizeOptions{TitleSuffix: s.opts.TitleSuffix}); err != nil {
		return nil, &epub.SerializationError{Path: job.OutputPath, Err: err}
	}
	if err := s.builder.Write(book, job.OutputPath); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) extract(book *epub.Book) ([]epub.Segment, error) {
	var segments []epub.Segment
	for _, doc := range book.Documents {
		if doc.Tree == nil {
			return nil, fmt.Errorf("document %s has no content tree", doc.Path)
		}
		for seg := range s.extractor.Segments(doc) {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}

func (s *Service) translateSegments(ctx context.Context, job Job, segments []epub.Segment, result *Result, cb Callbacks) error {
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("translation cancelled after %d of %d segments: %w", i, len(segments), err)
		}

		translated, err := s.translateWithRetry(ctx, Request{
			Text:           seg.Text,
			SourceLang:     job.SourceLang,
			TargetLang:     job.TargetLang,
			PromptTemplate: job.CustomPrompt,
			Model:          job.Model,
		})

		switch {
		case err == nil:
			seg.Replace(translated)
			result.Translated++
		case isFatal(err):
			return err
		default:
			result.Failed++
			s.logger.Warnf("Segment %d of %s kept its original text: %v", seg.Index, seg.DocumentID, err)
			cb.segmentFailed(seg, err)
		}

		cb.progress()

		if s.opts.Policy.exceeded(result.Failed, result.TotalSegments) {
			return fmt.Errorf("%w: %d of %d segments failed", ErrTooManyFailures, result.Failed, result.TotalSegments)
		}
	}
	return nil
}

// translateWithRetry makes up to MaxRetries+1 attempts, waiting RetryDelay
// between them.
func (s *Service) translateWithRetry(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debugf("Retrying translation (attempt %d/%d)", attempt+1, s.opts.MaxRetries+1)
			if err := sleepContext(ctx, s.opts.RetryDelay); err != nil {
				return "", err
			}
		}

		translated, err := s.translator.Translate(ctx, req)
		if err == nil {
			return translated, nil
		}
		if isFatal(err) {
			return "", err
		}

		lastErr = err
		s.logger.Debugf("Translation attempt %d failed: %v", attempt+1, err)
	}
	return "", lastErr
}

// isFatal reports errors that end the run instead of a single segment.
func isFatal(err error) bool {
	var cfgErr *config.ConfigurationError
	return errors.As(err, &cfgErr) || errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func detectSource(segments []epub.Segment) string {
	samples := make([]string, 0, detectionSamples)
	for _, seg := range segments {
		if len(samples) == detectionSamples {
			break
		}
		samples = append(samples, seg.Text)
	}
	return langdetect.DetectSamples(samples, detectionMaxBytes)
}

// checkOutputPath refuses to replace the input container unless the job
// allows it.
func checkOutputPath(job Job) error {
	if job.AllowOverwrite {
		return nil
	}

	in, err := resolvePath(job.InputPath)
	if err != nil {
		return &epub.InputError{Path: job.InputPath, Err: err}
	}
	out, err := resolvePath(job.OutputPath)
	if err != nil {
		return &epub.InputError{Path: job.OutputPath, Err: err}
	}

	if in == out {
		return &epub.InputError{Path: job.OutputPath, Err: errors.New("output path is the input file; refusing to overwrite it")}
	}
	return nil
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}
