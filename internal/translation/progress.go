package translation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"epub-translator/internal/epub"
)

// ErrJobInProgress is returned by Start while a job with the same id is running.
var ErrJobInProgress = errors.New("translation already in progress")

// TranslationProgress is the live view of one job.
type TranslationProgress struct {
	ID                string    `json:"id"`
	SourceLanguage    string    `json:"source_language"`
	TargetLanguage    string    `json:"target_language"`
	DetectedLanguage  string    `json:"detected_language,omitempty"`
	State             State     `json:"state"`
	TotalSegments     int       `json:"total_segments"`
	CompletedSegments int       `json:"completed_segments"`
	FailedSegments    int       `json:"failed_segments"`
	OutputPath        string    `json:"output_path,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
}

// Percent returns the share of processed segments, 0 to 100.
func (p TranslationProgress) Percent() float64 {
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.CompletedSegments) / float64(p.TotalSegments) * 100
}

// ProgressTracker keeps per-job progress and mirrors every change to the
// broadcaster.
type ProgressTracker struct {
	logger      *logrus.Logger
	broadcaster Broadcaster
	progress    map[string]*TranslationProgress
	mu          sync.RWMutex
}

func NewProgressTracker(logger *logrus.Logger, broadcaster Broadcaster) *ProgressTracker {
	return &ProgressTracker{
		logger:      logger,
		broadcaster: broadcaster,
		progress:    make(map[string]*TranslationProgress),
	}
}

// Start registers a job and returns callbacks that keep its progress current.
// Registration fails with ErrJobInProgress if id is already running.
func (t *ProgressTracker) Start(id string, job Job) (Callbacks, error) {
	t.mu.Lock()
	if p, exists := t.progress[id]; exists && !p.State.Terminal() {
		t.mu.Unlock()
		return Callbacks{}, ErrJobInProgress
	}
	p := &TranslationProgress{
		ID:             id,
		SourceLanguage: job.SourceLang,
		TargetLanguage: job.TargetLang,
		State:          StateIdle,
		StartedAt:      time.Now(),
	}
	t.progress[id] = p
	snapshot := *p
	t.mu.Unlock()

	t.broadcast(snapshot, true)

	return Callbacks{
		Total: func(total int) {
			t.update(id, func(p *TranslationProgress) { p.TotalSegments = total })
		},
		Progress: func() {
			t.update(id, func(p *TranslationProgress) { p.CompletedSegments++ })
		},
		State: func(state State) {
			t.update(id, func(p *TranslationProgress) { p.State = state })
		},
		SegmentFailed: func(seg epub.Segment, err error) {
			t.update(id, func(p *TranslationProgress) { p.FailedSegments++ })
			if t.broadcaster != nil {
				t.broadcaster.BroadcastLog("warning",
					fmt.Sprintf("Segment %d of %s kept its original text: %v", seg.Index, seg.DocumentID, err), "translation")
			}
		},
	}, nil
}

// Finish records the outcome of a job and announces it.
func (t *ProgressTracker) Finish(id string, result *Result, err error) {
	snapshot, _ := t.apply(id, func(p *TranslationProgress) {
		p.CompletedAt = time.Now()
		if err != nil {
			p.State = StateFailed
			p.ErrorMessage = err.Error()
			return
		}
		p.State = StateCompleted
		if result != nil {
			p.OutputPath = result.OutputPath
			p.DetectedLanguage = result.DetectedSourceLang
			p.FailedSegments = result.Failed
		}
	})
	t.logger.Debugf("Job %s finished: %s", id, snapshot.State)
	t.broadcast(snapshot, false)
	t.broadcastOutcome(snapshot)
}

// Get returns a copy of the progress of job id.
func (t *ProgressTracker) Get(id string) (TranslationProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, exists := t.progress[id]; exists {
		return *p, true
	}
	return TranslationProgress{}, false
}

func (t *ProgressTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.progress, id)
}

func (t *ProgressTracker) update(id string, fn func(p *TranslationProgress)) {
	snapshot, stateChanged := t.apply(id, fn)
	t.broadcast(snapshot, stateChanged)
}

func (t *ProgressTracker) apply(id string, fn func(p *TranslationProgress)) (TranslationProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.progress[id]
	if !exists {
		p = &TranslationProgress{ID: id}
		t.progress[id] = p
	}
	previous := p.State
	fn(p)
	return *p, previous != p.State
}

func (t *ProgressTracker) broadcast(p TranslationProgress, stateChanged bool) {
	if t.broadcaster == nil {
		return
	}

	t.broadcaster.BroadcastMessage("translation_progress", progressMessage(p))

	if stateChanged && !p.State.Terminal() {
		t.broadcaster.BroadcastLog("info", fmt.Sprintf("Translation %s: %s", p.ID, p.State), "translation")
	}
}

func (t *ProgressTracker) broadcastOutcome(p TranslationProgress) {
	if t.broadcaster == nil {
		return
	}

	if p.State == StateFailed {
		t.broadcaster.BroadcastLog("error", fmt.Sprintf("Translation failed: %s", p.ErrorMessage), "translation")
		t.broadcaster.BroadcastMessage("translation_error", map[string]interface{}{
			"id":    p.ID,
			"error": p.ErrorMessage,
		})
		return
	}

	msg := progressMessage(p)
	msg["output_path"] = p.OutputPath
	t.broadcaster.BroadcastLog("info", "Full translation completed successfully!", "translation")
	t.broadcaster.BroadcastMessage("translation_complete", msg)
}

func progressMessage(p TranslationProgress) map[string]interface{} {
	return map[string]interface{}{
		"id":                 p.ID,
		"total_segments":     p.TotalSegments,
		"completed_segments": p.CompletedSegments,
		"failed_segments":    p.FailedSegments,
		"progress_percent":   p.Percent(),
		"state":              p.State,
	}
}
