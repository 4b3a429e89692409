// internal/stream/ring.go
package stream

import (
	"sync"

	"github.com/sua-org/gate-vision/internal/core"
)

// ring keeps the latest N frames, evicting the oldest on overflow.
type ring struct {
	mu     sync.Mutex
	frames []core.Frame
	size   int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{size: size}
}

func (r *ring) push(f core.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	if len(r.frames) > r.size {
		r.frames = r.frames[len(r.frames)-r.size:]
	}
}

func (r *ring) latest() (core.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return core.Frame{}, false
	}
	return r.frames[len(r.frames)-1], true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *ring) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
