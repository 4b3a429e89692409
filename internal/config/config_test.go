// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate-vision.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
cameras:
  - id: entrance
    url: rtsp://cam.local/stream
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Pipeline
	if p.ReadyTimeout != 15*time.Second {
		t.Errorf("ready_timeout = %v, want 15s", p.ReadyTimeout)
	}
	if p.ReadyFrames != 1 {
		t.Errorf("ready_frames = %d, want 1", p.ReadyFrames)
	}
	if p.MaxReadFailures != 30 {
		t.Errorf("max_read_failures = %d, want 30", p.MaxReadFailures)
	}
	if got := p.RetryTransports; len(got) != 2 || got[0] != "tcp" || got[1] != "udp" {
		t.Errorf("retry_transports = %v, want [tcp udp]", got)
	}
	if p.CaptureBuffer != 3 || p.LocalBufferSize != 1 || p.FrameSkip != 3 {
		t.Errorf("buffer defaults = %d/%d/%d, want 3/1/3",
			p.CaptureBuffer, p.LocalBufferSize, p.FrameSkip)
	}
	if cfg.Tracking.MaxMisses != 5 || cfg.Tracking.CountCooldown != 2*time.Second {
		t.Errorf("tracking defaults = %+v", cfg.Tracking)
	}
	if cfg.PPE.Retention != 168*time.Hour {
		t.Errorf("ppe retention = %v, want 168h", cfg.PPE.Retention)
	}
	if cfg.DuplicateFilter.Enabled {
		t.Error("duplicate filter enabled by default")
	}
	if cfg.DuplicateFilter.Threshold != 0.1 || cfg.DuplicateFilter.Bypass != 2*time.Second {
		t.Errorf("duplicate filter defaults = %+v", cfg.DuplicateFilter)
	}

	cam := cfg.Cameras[0]
	if cam.Line.Orientation != "horizontal" || cam.Line.Ratio != 0.5 {
		t.Errorf("line defaults = %+v", cam.Line)
	}
}

func TestBackendPriorityPinsFFmpegFirst(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pipeline:
  backend_priority: [gstreamer, ffmpeg]
cameras:
  - id: cam-a
    url: rtsp://a/stream
    backend_priority: [gstreamer]
  - id: cam-b
    url: rtsp://b/stream
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"ffmpeg", "gstreamer"}
	for _, got := range [][]string{
		cfg.Pipeline.BackendPriority,
		cfg.Cameras[0].BackendPriority,
		cfg.StreamConfig(cfg.Cameras[1]).Backends,
	} {
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("backend priority = %v, want %v", got, want)
		}
	}
}

func TestCameraOverridesPipelineDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cameras:
  - id: dock
    url: rtsp://dock/stream
    transport: UDP
    frame_skip: 5
    width: 1280
    height: 720
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sc := cfg.StreamConfig(cfg.Cameras[0])
	if len(sc.Transports) != 1 || sc.Transports[0] != "udp" {
		t.Errorf("transports = %v, want pinned [udp]", sc.Transports)
	}
	if sc.FrameSkip != 5 {
		t.Errorf("frame_skip = %d, want camera override 5", sc.FrameSkip)
	}
	if sc.Width != 1280 || sc.Height != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", sc.Width, sc.Height)
	}
}

func TestDeviceCameraUsesDeviceBackend(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cameras:
  - id: lab
    device: "0"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := cfg.StreamConfig(cfg.Cameras[0])
	if len(sc.Backends) != 1 || sc.Backends[0] != "device" {
		t.Errorf("backends = %v, want [device]", sc.Backends)
	}
}

func TestTrackConfigMergesClasses(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
tracking:
  count_classes: [person, car]
cameras:
  - id: gate
    url: rtsp://gate/stream
    line:
      orientation: vertical
      ratio: 0.4
      reverse: true
    ppe_classes: [person]
  - id: yard
    url: rtsp://yard/stream
    count_classes: [truck]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	gate := cfg.TrackConfig(cfg.Cameras[0])
	if gate.Line.Orientation != "vertical" || gate.Line.Ratio != 0.4 || !gate.Line.Reverse {
		t.Errorf("gate line = %+v", gate.Line)
	}
	if len(gate.CountClasses) != 2 {
		t.Errorf("gate count classes = %v, want tracking defaults", gate.CountClasses)
	}
	if len(gate.WatchClasses) != 1 || gate.WatchClasses[0] != "person" {
		t.Errorf("gate watch classes = %v", gate.WatchClasses)
	}

	yard := cfg.TrackConfig(cfg.Cameras[1])
	if len(yard.CountClasses) != 1 || yard.CountClasses[0] != "truck" {
		t.Errorf("yard count classes = %v, want camera override", yard.CountClasses)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no cameras", "cameras: []", "no cameras"},
		{"missing id", "cameras:\n  - url: rtsp://x\n", "without id"},
		{"duplicate id", "cameras:\n  - id: a\n    url: rtsp://x\n  - id: a\n    url: rtsp://y\n", "duplicate camera id"},
		{"no source", "cameras:\n  - id: a\n", "url or device"},
		{"bad orientation", "cameras:\n  - id: a\n    url: rtsp://x\n    line:\n      orientation: diagonal\n", "orientation"},
		{"bad ratio", "cameras:\n  - id: a\n    url: rtsp://x\n    line:\n      ratio: 1.5\n", "ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
