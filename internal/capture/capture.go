// internal/capture/capture.go
package capture

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/core"
)

// Source yields decoded BGR24 frames from one camera connection
// attempt. A Source is single-use: Open once, ReadFrame until error,
// Close. Reconnection policy lives in the stream orchestrator, not
// here.
type Source interface {
	// Open starts the underlying decoder. Returns *OpenError on
	// failure so callers can log the classified reason.
	Open(ctx context.Context) error

	// ReadFrame blocks until the next full frame or error. Errors are
	// ErrReadTimeout, ErrCorruptFrame, ErrDisconnected or a wrapped
	// variant of them.
	ReadFrame(ctx context.Context) (core.Frame, error)

	Close() error
}

// Diagnosable is implemented by sources that can describe their
// decode pipeline and last low-level error for status reporting.
type Diagnosable interface {
	Pipeline() string
	LastError() string
}

// Options configures a source attempt. Width/Height of 0 means the
// backend probes the stream (falling back to 640x480).
type Options struct {
	URL       string
	Transport string // "tcp" or "udp", rtsp inputs only
	Device    string // local device path or index, device backend only

	Width  int
	Height int

	// Timeout bounds both socket I/O and the wait for the first frame.
	Timeout time.Duration

	// ReconnectDelayMax is passed to ffmpeg for http(s) inputs.
	ReconnectDelayMax time.Duration

	// ExtraFlags are appended verbatim to the ffmpeg command line,
	// split on whitespace.
	ExtraFlags string

	// BufferSize limits decoder-side frame buffering.
	BufferSize int

	Log zerolog.Logger
}

func (o Options) transport() string {
	t := strings.ToLower(strings.TrimSpace(o.Transport))
	if t == "" {
		t = "tcp"
	}
	return t
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 5 * time.Second
	}
	return o.Timeout
}

type Factory func(opts Options) (Source, error)

// registry: backend name -> factory
var registry = map[string]Factory{}

// Register is called from the init() of each backend (ffmpeg,
// gstreamer, device).
func Register(backend string, f Factory) {
	registry[normalize(backend)] = f
}

// New builds a source for the named backend.
func New(backend string, opts Options) (Source, error) {
	if f, ok := registry[normalize(backend)]; ok {
		return f(opts)
	}
	return nil, ErrBackendUnknown
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
