// internal/supervisor/supervisor_test.go
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/capture"
	"github.com/sua-org/gate-vision/internal/config"
	"github.com/sua-org/gate-vision/internal/core"
	"github.com/sua-org/gate-vision/internal/events"
	"github.com/sua-org/gate-vision/internal/ppe"
	"github.com/sua-org/gate-vision/internal/stream"
)

type fakeSource struct {
	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (f *fakeSource) Open(ctx context.Context) error { return nil }

func (f *fakeSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return core.Frame{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return core.Frame{Width: 2, Height: 2, Data: make([]byte, 12), Seq: f.seq}, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// flakyOpener fails the first failures open attempts, then hands out
// good sources.
type flakyOpener struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (o *flakyOpener) open(backend, transport string) (capture.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= o.failures {
		return nil, errors.New("connection refused")
	}
	return &fakeSource{}, nil
}

type countingDetector struct {
	mu      sync.Mutex
	calls   int
	panicOn int
}

func (d *countingDetector) Detect(core.Frame) ([]core.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panicOn > 0 && d.calls == d.panicOn {
		panic("inference backend fault")
	}
	return nil, nil
}

func (d *countingDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeMQTT struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string]func(string, []byte)
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		published: make(map[string][][]byte),
		subs:      make(map[string]func(string, []byte)),
	}
}

func (m *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], payload)
	return nil
}

func (m *fakeMQTT) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = handler
	return nil
}

func (m *fakeMQTT) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published[topic])
}

func testConfig(cameras ...config.Camera) *config.Config {
	return &config.Config{
		Cameras: cameras,
		Pipeline: config.Pipeline{
			BackendPriority: []string{"ffmpeg"},
			RetryTransports: []string{"tcp"},
			ReadyTimeout:    2 * time.Second,
			ReadyFrames:     1,
			ReadTimeout:     time.Second,
			MaxReadFailures: 3,
			RetryDelay:      time.Millisecond,
			FrameSkip:       1,
			LocalBufferSize: 1,
			CaptureBuffer:   1,
		},
		Tracking: config.Tracking{
			MaxMisses:     5,
			CountCooldown: 2 * time.Second,
			IoUThreshold:  0.3,
			MaxCenterDist: 100,
		},
		StatusInterval: 20 * time.Millisecond,
	}
}

func testCamera(id string) config.Camera {
	return config.Camera{
		ID:   id,
		URL:  "rtsp://" + id + ".local/stream",
		Line: config.Line{Orientation: "horizontal", Ratio: 0.5},
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config, mqtt publisher, det *countingDetector, open stream.OpenFunc) *Supervisor {
	t.Helper()
	sink, err := events.NewSink(nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	s := New(cfg, mqtt, "gate-vision", sink, det, ppe.NewQueue(8), nil, zerolog.Nop())
	s.newOrchestrator = func(cam config.Camera) *stream.Orchestrator {
		o := stream.New(cfg.StreamConfig(cam), zerolog.Nop())
		o.SetOpener(open)
		return o
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunProcessesFrames(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{}
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), nil, det, opener.open)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return det.count() >= 3 }, "detector never ran")
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRestartRecoversFailedCamera(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{failures: 1} // the single probe pair fails once
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), nil, det, opener.open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		for _, d := range s.Diagnostics() {
			if d.State == stream.StateFailed {
				return true
			}
		}
		return false
	}, "camera never reached failed state")

	if det.count() != 0 {
		t.Fatalf("detector ran %d times before restart", det.count())
	}
	if err := s.Restart("cam-1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return det.count() >= 1 }, "camera did not recover after restart")
}

func TestRestartUnknownCamera(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{}
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), nil, det, opener.open)

	if err := s.Restart("nope"); err == nil {
		t.Fatal("expected error for unknown camera")
	}
}

func TestPanicRebuildsWorker(t *testing.T) {
	det := &countingDetector{panicOn: 2}
	opener := &flakyOpener{}
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), nil, det, opener.open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The second detection panics; the worker must rebuild and keep
	// feeding frames.
	waitFor(t, 3*time.Second, func() bool { return det.count() >= 5 }, "worker did not survive the panic")
}

func TestStatusPublishing(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{}
	mqtt := newFakeMQTT()
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), mqtt, det, opener.open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		return mqtt.count("gate-vision/cam-1/status") > 0 && mqtt.count("gate-vision/collector/status") > 0
	}, "status topics never published")

	mqtt.mu.Lock()
	payload := mqtt.published["gate-vision/cam-1/status"][0]
	mqtt.mu.Unlock()
	var status cameraStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("unmarshal camera status: %v", err)
	}
	if status.CameraID != "cam-1" {
		t.Errorf("status camera = %q", status.CameraID)
	}

	// Once frames flow, the processed counter must show up in status.
	waitFor(t, 3*time.Second, func() bool {
		mqtt.mu.Lock()
		payloads := mqtt.published["gate-vision/cam-1/status"]
		latest := payloads[len(payloads)-1]
		mqtt.mu.Unlock()
		var st cameraStatus
		return json.Unmarshal(latest, &st) == nil && st.FramesProcessed > 0
	}, "frames_processed never reported")
}

func TestRestartViaControlTopic(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{failures: 1}
	mqtt := newFakeMQTT()
	s := newTestSupervisor(t, testConfig(testCamera("cam-1")), mqtt, det, opener.open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		mqtt.mu.Lock()
		_, ok := mqtt.subs["gate-vision/control/restart"]
		mqtt.mu.Unlock()
		diags := s.Diagnostics()
		return ok && len(diags) == 1 && diags[0].State == stream.StateFailed
	}, "control subscription or failed state missing")

	mqtt.mu.Lock()
	handler := mqtt.subs["gate-vision/control/restart"]
	mqtt.mu.Unlock()
	handler("gate-vision/control/restart", []byte(`{"camera_id":"cam-1"}`))

	waitFor(t, 3*time.Second, func() bool { return det.count() >= 1 }, "control restart did not recover the camera")
}

func TestApplyReplacesChangedCamera(t *testing.T) {
	det := &countingDetector{}
	opener := &flakyOpener{}
	cfg := testConfig(testCamera("cam-1"))
	s := newTestSupervisor(t, cfg, nil, det, opener.open)

	var built int
	var mu sync.Mutex
	inner := s.newOrchestrator
	s.newOrchestrator = func(cam config.Camera) *stream.Orchestrator {
		mu.Lock()
		built++
		mu.Unlock()
		return inner(cam)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, 3*time.Second, func() bool { return det.count() >= 1 }, "camera never started")

	// Same config: nothing rebuilt.
	s.Apply(ctx, []config.Camera{testCamera("cam-1")})
	mu.Lock()
	after := built
	mu.Unlock()
	if after != 1 {
		t.Fatalf("unchanged camera rebuilt (%d orchestrators)", after)
	}

	// Changed config: worker torn down and recreated.
	changed := testCamera("cam-1")
	changed.FrameSkip = 5
	s.Apply(ctx, []config.Camera{changed})
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return built == 2
	}, "changed camera not rebuilt")

	// Removed camera: worker stopped.
	s.Apply(ctx, nil)
	waitFor(t, 3*time.Second, func() bool { return len(s.Diagnostics()) == 0 }, "removed camera still running")
}
