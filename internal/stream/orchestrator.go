// internal/stream/orchestrator.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/capture"
	"github.com/sua-org/gate-vision/internal/core"
)

// State of a camera stream.
type State string

const (
	StateInitializing State = "initializing"
	StateProbing      State = "probing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// readyProbeDelay paces repeated reads inside the readiness gate when
// the source keeps failing.
const readyProbeDelay = 100 * time.Millisecond

var (
	// ErrFailed means every (backend, transport) pair was exhausted.
	// Only an explicit Restart leaves this state.
	ErrFailed = errors.New("stream failed, all connection attempts exhausted")

	// ErrNotReady is returned by Latest before the first frame lands.
	ErrNotReady = errors.New("stream not ready")
)

// Config drives one camera's connection policy.
type Config struct {
	CameraID string
	URL      string
	Device   string

	// Backends in priority order; Transports minor order within each
	// backend. The device backend is transport independent and probed
	// once.
	Backends   []string
	Transports []string

	Width  int
	Height int

	ReadyFrames  int
	ReadyTimeout time.Duration

	MaxReadFailures int
	RetryDelay      time.Duration
	ReadTimeout     time.Duration

	FrameSkip     int
	BufferSize    int // latest-N ring depth
	CaptureBuffer int // decoder-side buffering

	ReconnectDelayMax time.Duration
	ExtraFlags        string // appended verbatim to the ffmpeg command
}

func (c *Config) setDefaults() {
	if len(c.Backends) == 0 {
		c.Backends = []string{"ffmpeg"}
	}
	if len(c.Transports) == 0 {
		c.Transports = []string{"tcp", "udp"}
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.MaxReadFailures <= 0 {
		c.MaxReadFailures = 30
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 3
	}
}

// Attempt records one failed (backend, transport) probe.
type Attempt struct {
	Backend   string    `json:"backend"`
	Transport string    `json:"transport"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Diagnostics is a point-in-time snapshot for status publication.
type Diagnostics struct {
	CameraID  string    `json:"camera_id"`
	State     State     `json:"state"`
	Backend   string    `json:"backend,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Pipeline  string    `json:"pipeline,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"read_failures"`
	Frames    uint64    `json:"frames"`
	Attempts  []Attempt `json:"attempts,omitempty"`
}

// OpenFunc builds a source for a (backend, transport) pair. The
// default goes through the capture registry; tests substitute fakes.
type OpenFunc func(backend, transport string) (capture.Source, error)

// Orchestrator owns the connection lifecycle of a single camera:
// probing backends and transports in deterministic order, gating on
// readiness, riding out transient read failures and reconnecting when
// they accumulate.
type Orchestrator struct {
	cfg  Config
	log  zerolog.Logger
	open OpenFunc

	mu         sync.Mutex
	state      State
	src        capture.Source
	backend    string
	transport  string
	lastErr    string
	failures   int
	frameCount uint64
	attempts   []Attempt
	resumed    bool

	buf *ring
}

func New(cfg Config, log zerolog.Logger) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:   cfg,
		log:   log.With().Str("camera", cfg.CameraID).Logger(),
		state: StateInitializing,
		buf:   newRing(cfg.BufferSize),
	}
	o.open = func(backend, transport string) (capture.Source, error) {
		return capture.New(backend, capture.Options{
			URL:               cfg.URL,
			Device:            cfg.Device,
			Transport:         transport,
			Width:             cfg.Width,
			Height:            cfg.Height,
			Timeout:           cfg.ReadTimeout,
			ReconnectDelayMax: cfg.ReconnectDelayMax,
			ExtraFlags:        cfg.ExtraFlags,
			BufferSize:        cfg.CaptureBuffer,
			Log:               o.log,
		})
	}
	return o
}

// SetOpener replaces the source factory.
func (o *Orchestrator) SetOpener(f OpenFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = f
}

// pairs returns the probe order: backend-major, transport-minor. The
// device backend ignores transports and appears once.
func (o *Orchestrator) pairs() [][2]string {
	var out [][2]string
	for _, b := range o.cfg.Backends {
		if b == "device" {
			out = append(out, [2]string{b, "local"})
			continue
		}
		for _, t := range o.cfg.Transports {
			out = append(out, [2]string{b, t})
		}
	}
	return out
}

// Next blocks until the next frame to process, reconnecting as
// needed. Returns ErrFailed once all pairs are exhausted; after that
// only Restart resumes the stream.
func (o *Orchestrator) Next(ctx context.Context) (core.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.Frame{}, err
		}

		switch o.getState() {
		case StateFailed:
			return core.Frame{}, ErrFailed
		case StateInitializing, StateReconnecting:
			if err := o.probe(ctx); err != nil {
				if ctx.Err() != nil {
					return core.Frame{}, ctx.Err()
				}
				return core.Frame{}, err
			}
		}

		frame, err := o.readOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return core.Frame{}, ctx.Err()
			}
			continue
		}

		o.mu.Lock()
		o.frameCount++
		skip := o.cfg.FrameSkip
		count := o.frameCount
		o.mu.Unlock()

		if skip > 1 && count%uint64(skip) != 0 {
			continue
		}

		o.buf.push(frame)
		return frame, nil
	}
}

// readOne performs a single read, tracking the consecutive failure
// counter and moving to Reconnecting past the threshold.
func (o *Orchestrator) readOne(ctx context.Context) (core.Frame, error) {
	o.mu.Lock()
	src := o.src
	o.mu.Unlock()
	if src == nil {
		return core.Frame{}, ErrNotReady
	}

	frame, err := src.ReadFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return core.Frame{}, ctx.Err()
		}

		o.mu.Lock()
		o.failures++
		o.lastErr = err.Error()
		failures := o.failures
		o.state = StateDegraded
		o.mu.Unlock()

		o.log.Warn().Err(err).Int("failures", failures).Msg("frame read failed")

		if failures > o.cfg.MaxReadFailures {
			o.log.Warn().Int("failures", failures).Msg("failure threshold exceeded, reconnecting")
			o.teardown(StateReconnecting)
			return core.Frame{}, err
		}

		select {
		case <-time.After(o.cfg.RetryDelay):
		case <-ctx.Done():
			return core.Frame{}, ctx.Err()
		}
		return core.Frame{}, err
	}

	o.mu.Lock()
	o.failures = 0
	o.state = StateReady
	o.mu.Unlock()
	return frame, nil
}

// probe walks the (backend, transport) pairs in order until one
// passes the readiness gate. Exhaustion transitions to Failed with
// the attempt log retained.
func (o *Orchestrator) probe(ctx context.Context) error {
	o.setState(StateProbing)
	o.mu.Lock()
	o.attempts = nil
	o.mu.Unlock()

	for _, pair := range o.pairs() {
		backend, transport := pair[0], pair[1]
		if err := ctx.Err(); err != nil {
			return err
		}

		log := o.log.With().Str("backend", backend).Str("transport", transport).Logger()
		log.Info().Msg("probing stream")

		src, err := o.open(backend, transport)
		if err != nil {
			o.recordAttempt(backend, transport, err)
			log.Warn().Err(err).Msg("source construction failed")
			continue
		}
		if err := src.Open(ctx); err != nil {
			o.recordAttempt(backend, transport, err)
			log.Warn().Err(err).Msg("source open failed")
			_ = src.Close()
			continue
		}
		if err := o.awaitReady(ctx, src); err != nil {
			o.recordAttempt(backend, transport, err)
			log.Warn().Err(err).Msg("readiness gate failed")
			_ = src.Close()
			continue
		}

		o.mu.Lock()
		o.src = src
		o.backend = backend
		o.transport = transport
		o.state = StateReady
		o.failures = 0
		o.lastErr = ""
		o.resumed = true
		o.mu.Unlock()

		log.Info().Msg("stream ready")
		return nil
	}

	o.setState(StateFailed)
	summary := o.attemptSummary()
	o.mu.Lock()
	o.lastErr = summary
	o.mu.Unlock()
	o.log.Error().Str("attempts", summary).Msg("stream unavailable")
	return fmt.Errorf("%w: %s", ErrFailed, summary)
}

// awaitReady applies the readiness gate: ReadyFrames consecutive
// successful reads within ReadyTimeout, a single failure resetting
// the counter. ReadyFrames of zero switches to time-based readiness,
// requiring only one success before the timeout elapses.
func (o *Orchestrator) awaitReady(ctx context.Context, src capture.Source) error {
	deadline := time.Now().Add(o.cfg.ReadyTimeout)
	gateCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	consecutive := 0
	successes := 0

	for {
		if time.Now().After(deadline) {
			break
		}
		frame, err := src.ReadFrame(gateCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if gateCtx.Err() != nil {
				break
			}
			consecutive = 0
			// An instantly-failing source must not spin the whole
			// gate window away.
			select {
			case <-time.After(readyProbeDelay):
			case <-gateCtx.Done():
			}
			continue
		}
		successes++
		consecutive++
		o.buf.push(frame)

		if o.cfg.ReadyFrames > 0 && consecutive >= o.cfg.ReadyFrames {
			return nil
		}
	}

	if o.cfg.ReadyFrames <= 0 && successes >= 1 {
		return nil
	}
	return fmt.Errorf("not ready after %s: %d/%d consecutive frames",
		o.cfg.ReadyTimeout, consecutive, o.cfg.ReadyFrames)
}

// Latest returns the freshest buffered frame.
func (o *Orchestrator) Latest() (core.Frame, error) {
	frame, ok := o.buf.latest()
	if !ok {
		return core.Frame{}, ErrNotReady
	}
	return frame, nil
}

// Resumed reports, and clears, the connection-established flag. The
// pipeline uses it to reset the duplicate filter after reconnects.
func (o *Orchestrator) Resumed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.resumed
	o.resumed = false
	return r
}

// Restart arms a Failed stream for a fresh probe cycle.
func (o *Orchestrator) Restart() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateFailed {
		return fmt.Errorf("restart only valid from failed state, current %s", o.state)
	}
	o.state = StateInitializing
	o.attempts = nil
	o.failures = 0
	o.lastErr = ""
	return nil
}

// Close releases the active source.
func (o *Orchestrator) Close() {
	o.teardown(StateInitializing)
	o.buf.clear()
}

func (o *Orchestrator) teardown(next State) {
	o.mu.Lock()
	src := o.src
	o.src = nil
	o.backend = ""
	o.transport = ""
	o.state = next
	o.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	return o.getState()
}

// ActivePair reports the backend and transport of the live source.
func (o *Orchestrator) ActivePair() (backend, transport string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backend, o.transport
}

// Diagnostics snapshots the orchestrator for status reporting.
func (o *Orchestrator) Diagnostics() Diagnostics {
	o.mu.Lock()
	defer o.mu.Unlock()

	d := Diagnostics{
		CameraID:  o.cfg.CameraID,
		State:     o.state,
		Backend:   o.backend,
		Transport: o.transport,
		LastError: o.lastErr,
		Failures:  o.failures,
		Frames:    o.frameCount,
		Attempts:  append([]Attempt(nil), o.attempts...),
	}
	if diag, ok := o.src.(capture.Diagnosable); ok && o.src != nil {
		d.Pipeline = diag.Pipeline()
		if last := diag.LastError(); last != "" && d.LastError == "" {
			d.LastError = last
		}
	}
	return d
}

func (o *Orchestrator) recordAttempt(backend, transport string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, Attempt{
		Backend:   backend,
		Transport: transport,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	})
}

func (o *Orchestrator) attemptSummary() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	parts := make([]string, 0, len(o.attempts))
	for _, a := range o.attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", a.Backend, a.Transport, a.Error))
	}
	return "Attempts: " + strings.Join(parts, "; ")
}

func (o *Orchestrator) getState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
