// internal/ppe/queue_test.go
package ppe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sua-org/gate-vision/internal/core"
)

func task(trackID int64) core.SecondaryTask {
	return core.SecondaryTask{
		CameraID:   "cam-1",
		TrackID:    trackID,
		Class:      "person",
		EnqueuedAt: time.Unix(trackID, 0),
	}
}

func TestPushPopFIFO(t *testing.T) {
	q := NewQueue(4)
	for i := int64(1); i <= 3; i++ {
		if ok := q.Push(task(i)); !ok {
			t.Fatalf("push %d reported eviction on a non-full queue", i)
		}
	}

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got.TrackID != i {
			t.Fatalf("pop order: got track %d, want %d", got.TrackID, i)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	q := NewQueue(2)
	q.Push(task(1))
	q.Push(task(2))
	if ok := q.Push(task(3)); ok {
		t.Fatal("push on a full queue must report eviction")
	}

	if q.Len() != 2 {
		t.Fatalf("len = %d, want bounded at 2", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	ctx := context.Background()
	first, _ := q.Pop(ctx)
	second, _ := q.Pop(ctx)
	if first.TrackID != 2 || second.TrackID != 3 {
		t.Fatalf("remaining tasks = %d,%d, want 2,3 (oldest evicted)", first.TrackID, second.TrackID)
	}
}

func TestPushNeverBlocks(t *testing.T) {
	q := NewQueue(1)
	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 1000; i++ {
			q.Push(task(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
	if q.Dropped() != 999 {
		t.Fatalf("dropped = %d, want 999", q.Dropped())
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := NewQueue(4)
	got := make(chan core.SecondaryTask, 1)
	go func() {
		tk, err := q.Pop(context.Background())
		if err == nil {
			got <- tk
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(task(42))

	select {
	case tk := <-got:
		if tk.TrackID != 42 {
			t.Fatalf("got track %d, want 42", tk.TrackID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestPopHonorsContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	q := NewQueue(4)
	q.Push(task(1))
	q.Close()

	if ok := q.Push(task(2)); ok {
		t.Fatal("push after close must be rejected")
	}

	ctx := context.Background()
	if tk, err := q.Pop(ctx); err != nil || tk.TrackID != 1 {
		t.Fatalf("queued task must remain poppable after close: %v", err)
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
