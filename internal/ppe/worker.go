// internal/ppe/worker.go
package ppe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/core"
	"github.com/sua-org/gate-vision/internal/detect"
	"github.com/sua-org/gate-vision/internal/storage"
)

// Result of one secondary classification.
type Result struct {
	CameraID    string         `json:"camera_id"`
	TrackID     int64          `json:"track_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Class       string         `json:"class"`
	Labels      []detect.Label `json:"labels"`
	CropURL     string         `json:"crop_url,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Worker is the single consumer of the secondary task queue. Each
// task is classified once; failures are logged and dropped, never
// retried. Results are retained for the configured window and pruned.
type Worker struct {
	queue      *Queue
	classifier detect.Classifier
	store      storage.ImageStore
	retention  time.Duration
	pruneEvery time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	results map[core.TaskKey]Result
}

func NewWorker(queue *Queue, classifier detect.Classifier, store storage.ImageStore, retention time.Duration, log zerolog.Logger) *Worker {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	pruneEvery := retention / 10
	if pruneEvery < time.Minute {
		pruneEvery = time.Minute
	}
	return &Worker{
		queue:      queue,
		classifier: classifier,
		store:      store,
		retention:  retention,
		pruneEvery: pruneEvery,
		log:        log,
		now:        time.Now,
		results:    make(map[core.TaskKey]Result),
	}
}

// Run consumes tasks until the context is cancelled or the queue
// closes. The in-flight task finishes; queued tasks are abandoned.
// The wait for a task is bounded so retention pruning keeps running
// through idle stretches.
func (w *Worker) Run(ctx context.Context) error {
	lastPrune := w.now()

	for {
		popCtx, cancel := context.WithTimeout(ctx, w.pruneEvery)
		task, err := w.queue.Pop(popCtx)
		cancel()
		switch {
		case err == nil:
			w.process(ctx, task)
		case errors.Is(err, ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			// idle wakeup, fall through to the prune check
		default:
			return err
		}

		if now := w.now(); now.Sub(lastPrune) >= w.pruneEvery {
			w.prune(now)
			lastPrune = now
		}
	}
}

func (w *Worker) process(ctx context.Context, task core.SecondaryTask) {
	log := w.log.With().
		Str("camera", task.CameraID).
		Int64("track", task.TrackID).
		Logger()

	labels, err := w.classifier.Classify(task.Crop)
	if err != nil {
		log.Warn().Err(err).Msg("secondary classification failed, task dropped")
		return
	}

	result := Result{
		CameraID:    task.CameraID,
		TrackID:     task.TrackID,
		Timestamp:   task.EnqueuedAt,
		Class:       task.Class,
		Labels:      labels,
		CompletedAt: w.now().UTC(),
	}

	if w.store != nil && len(task.Crop.Data) > 0 {
		if url, err := w.uploadCrop(ctx, task); err != nil {
			log.Warn().Err(err).Msg("crop upload failed")
		} else {
			result.CropURL = url
		}
	}

	w.mu.Lock()
	w.results[task.Key()] = result
	w.mu.Unlock()

	if task.Done != nil {
		task.Done()
	}
	log.Debug().Int("labels", len(labels)).Msg("secondary classification done")
}

func (w *Worker) uploadCrop(ctx context.Context, task core.SecondaryTask) (string, error) {
	data, err := storage.EncodeJPEG(task.Crop)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("crops/%d_%s_%d.jpg", task.EnqueuedAt.Unix(), task.CameraID, task.TrackID)
	return w.store.SaveSnapshot(ctx, key, data, "image/jpeg")
}

// Result looks up a completed classification.
func (w *Worker) Result(key core.TaskKey) (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results[key]
	return r, ok
}

// Results snapshots all retained results.
func (w *Worker) Results() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Result, 0, len(w.results))
	for _, r := range w.results {
		out = append(out, r)
	}
	return out
}

// prune removes results older than the retention window.
func (w *Worker) prune(now time.Time) {
	cutoff := now.Add(-w.retention)
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, r := range w.results {
		if r.CompletedAt.Before(cutoff) {
			delete(w.results, key)
		}
	}
}
