// internal/ppe/worker_test.go
package ppe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/core"
	"github.com/sua-org/gate-vision/internal/detect"
)

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeClassifier) Classify(crop core.Frame) ([]detect.Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return []detect.Label{{Name: "helmet", Confidence: 0.9}}, nil
}

type failingClassifier struct{}

func (failingClassifier) Classify(core.Frame) ([]detect.Label, error) {
	return nil, errors.New("model exploded")
}

func crop() core.Frame {
	f := core.Frame{Width: 2, Height: 2}
	f.Data = make([]byte, f.Size())
	return f
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("worker Run: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerProcessesAndKeysResults(t *testing.T) {
	q := NewQueue(8)
	cls := &fakeClassifier{}
	w := NewWorker(q, cls, nil, time.Hour, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	tk := core.SecondaryTask{
		CameraID:   "cam-1",
		TrackID:    7,
		Class:      "person",
		Crop:       crop(),
		EnqueuedAt: time.Unix(1700000000, 0),
	}
	q.Push(tk)

	waitFor(t, func() bool {
		_, ok := w.Result(tk.Key())
		return ok
	})

	r, _ := w.Result(tk.Key())
	if r.CameraID != "cam-1" || r.TrackID != 7 {
		t.Fatalf("result key fields = %s/%d", r.CameraID, r.TrackID)
	}
	if !r.Timestamp.Equal(tk.EnqueuedAt) {
		t.Fatalf("result timestamp = %v, want enqueue time", r.Timestamp)
	}
	if len(r.Labels) != 1 || r.Labels[0].Name != "helmet" {
		t.Fatalf("labels = %+v", r.Labels)
	}
}

func TestWorkerDropsFailedTaskWithoutRetry(t *testing.T) {
	q := NewQueue(8)
	w := NewWorker(q, failingClassifier{}, nil, time.Hour, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	done := make(chan struct{}, 1)
	q.Push(core.SecondaryTask{
		CameraID:   "cam-1",
		TrackID:    1,
		Crop:       crop(),
		EnqueuedAt: time.Now(),
		Done:       func() { done <- struct{}{} },
	})

	waitFor(t, func() bool { return q.Len() == 0 })
	time.Sleep(20 * time.Millisecond)

	if n := len(w.Results()); n != 0 {
		t.Fatalf("failed task produced %d results, want 0", n)
	}
	if q.Len() != 0 {
		t.Fatal("failed task must not be requeued")
	}
	select {
	case <-done:
		t.Fatal("completion callback must not fire for a failed task")
	default:
	}
}

func TestWorkerSignalsCompletion(t *testing.T) {
	q := NewQueue(8)
	w := NewWorker(q, &fakeClassifier{}, nil, time.Hour, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	done := make(chan struct{})
	q.Push(core.SecondaryTask{
		CameraID:   "cam-1",
		TrackID:    3,
		Crop:       crop(),
		EnqueuedAt: time.Now(),
		Done:       func() { close(done) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestWorkerAtMostOncePerTask(t *testing.T) {
	q := NewQueue(8)
	cls := &fakeClassifier{}
	w := NewWorker(q, cls, nil, time.Hour, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	for i := int64(0); i < 5; i++ {
		q.Push(core.SecondaryTask{CameraID: "cam-1", TrackID: i, Crop: crop(), EnqueuedAt: time.Unix(i, 0)})
	}

	waitFor(t, func() bool { return len(w.Results()) == 5 })
	time.Sleep(20 * time.Millisecond)

	cls.mu.Lock()
	calls := cls.calls
	cls.mu.Unlock()
	if calls != 5 {
		t.Fatalf("classifier ran %d times, want exactly 5", calls)
	}
}

func TestRunPrunesWhileQueueIdle(t *testing.T) {
	// Nothing is ever pushed: expiry must still happen on the idle
	// wakeup, not only after the next task arrives.
	q := NewQueue(8)
	w := NewWorker(q, &fakeClassifier{}, nil, time.Hour, zerolog.Nop())
	w.pruneEvery = 10 * time.Millisecond

	stale := core.SecondaryTask{CameraID: "cam-1", TrackID: 1, EnqueuedAt: time.Now().Add(-2 * time.Hour)}
	w.mu.Lock()
	w.results[stale.Key()] = Result{
		CameraID:    stale.CameraID,
		TrackID:     stale.TrackID,
		CompletedAt: time.Now().Add(-2 * time.Hour),
	}
	w.mu.Unlock()

	stop := runWorker(t, w)
	defer stop()

	waitFor(t, func() bool {
		_, ok := w.Result(stale.Key())
		return !ok
	})
}

func TestPruneRespectsRetention(t *testing.T) {
	q := NewQueue(8)
	w := NewWorker(q, &fakeClassifier{}, nil, time.Hour, zerolog.Nop())

	now := time.Unix(2000000000, 0)
	w.now = func() time.Time { return now }

	old := core.SecondaryTask{CameraID: "cam-1", TrackID: 1, Crop: crop(), EnqueuedAt: now.Add(-2 * time.Hour)}
	w.process(context.Background(), old)

	now = now.Add(90 * time.Minute)
	fresh := core.SecondaryTask{CameraID: "cam-1", TrackID: 2, Crop: crop(), EnqueuedAt: now}
	w.process(context.Background(), fresh)

	w.prune(now)

	if _, ok := w.Result(old.Key()); ok {
		t.Fatal("result past retention must be pruned")
	}
	if _, ok := w.Result(fresh.Key()); !ok {
		t.Fatal("fresh result must survive pruning")
	}
}
