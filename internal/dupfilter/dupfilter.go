// internal/dupfilter/dupfilter.go
package dupfilter

import (
	"sync"
	"time"

	"github.com/sua-org/gate-vision/internal/core"
)

// sampleTarget bounds the number of bytes compared per frame so the
// filter stays cheap at any resolution.
const sampleTarget = 16384

// Filter drops frames that are nearly identical to the last accepted
// one, using a strided mean absolute pixel difference. Reset opens a
// bypass window during which everything is accepted, used right after
// reconnects so the pipeline resynchronizes on real content.
type Filter struct {
	threshold float64
	bypass    time.Duration

	now func() time.Time

	mu      sync.Mutex
	last    []byte
	width   int
	height  int
	resetAt time.Time
}

func New(threshold float64, bypass time.Duration) *Filter {
	f := &Filter{
		threshold: threshold,
		bypass:    bypass,
		now:       time.Now,
	}
	f.resetAt = f.now()
	return f
}

// Accept reports whether the frame should flow downstream. Accepted
// frames become the new comparison baseline.
func (f *Filter) Accept(frame core.Frame) bool {
	if len(frame.Data) == 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last == nil || frame.Width != f.width || frame.Height != f.height {
		f.store(frame)
		return true
	}
	if f.bypass > 0 && f.now().Sub(f.resetAt) < f.bypass {
		f.store(frame)
		return true
	}

	stride := f.strideFor(len(frame.Data))
	var sum, n int64
	for i := 0; i < len(frame.Data); i += stride {
		d := int64(frame.Data[i]) - int64(f.last[i/stride])
		if d < 0 {
			d = -d
		}
		sum += d
		n++
	}
	if n == 0 {
		return false
	}

	if float64(sum)/float64(n) < f.threshold {
		return false
	}
	f.store(frame)
	return true
}

// Reset clears the baseline and opens the bypass window.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = nil
	f.resetAt = f.now()
}

func (f *Filter) store(frame core.Frame) {
	stride := f.strideFor(len(frame.Data))
	sampled := make([]byte, 0, len(frame.Data)/stride+1)
	for i := 0; i < len(frame.Data); i += stride {
		sampled = append(sampled, frame.Data[i])
	}
	f.last = sampled
	f.width = frame.Width
	f.height = frame.Height
}

func (f *Filter) strideFor(size int) int {
	stride := size / sampleTarget
	if stride < 1 {
		stride = 1
	}
	return stride
}
