// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sua-org/gate-vision/internal/stream"
	"github.com/sua-org/gate-vision/internal/track"
)

// Line places the counting line on the frame.
type Line struct {
	Orientation string  `mapstructure:"orientation"`
	Ratio       float64 `mapstructure:"ratio"`
	Reverse     bool    `mapstructure:"reverse"`
}

// Camera is one configured video unit. Zero fields inherit from
// Pipeline/Tracking defaults at build time.
type Camera struct {
	ID     string `mapstructure:"id"`
	URL    string `mapstructure:"url"`
	Device string `mapstructure:"device"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`

	Transport       string   `mapstructure:"transport"`
	BackendPriority []string `mapstructure:"backend_priority"`
	FrameSkip       int      `mapstructure:"frame_skip"`

	Line         Line     `mapstructure:"line"`
	CountClasses []string `mapstructure:"count_classes"`
	PPEClasses   []string `mapstructure:"ppe_classes"`
}

// Pipeline holds the capture and readiness defaults shared by all
// cameras.
type Pipeline struct {
	BackendPriority []string      `mapstructure:"backend_priority"`
	RetryTransports []string      `mapstructure:"retry_transports"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
	ReadyFrames     int           `mapstructure:"ready_frames"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxReadFailures int           `mapstructure:"max_read_failures"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	ReconnectDelay  time.Duration `mapstructure:"ffmpeg_reconnect_delay"`
	FFmpegFlags     string        `mapstructure:"ffmpeg_flags"`
	CaptureBuffer   int           `mapstructure:"capture_buffer"`
	LocalBufferSize int           `mapstructure:"local_buffer_size"`
	FrameSkip       int           `mapstructure:"frame_skip"`
}

// Tracking holds association and counting defaults.
type Tracking struct {
	MaxMisses     int           `mapstructure:"max_misses"`
	CountCooldown time.Duration `mapstructure:"count_cooldown"`
	IoUThreshold  float64       `mapstructure:"iou_threshold"`
	MaxCenterDist float64       `mapstructure:"max_center_dist"`
	CountClasses  []string      `mapstructure:"count_classes"`
}

// PPE configures the secondary classification worker.
type PPE struct {
	QueueSize int           `mapstructure:"queue_size"`
	Retention time.Duration `mapstructure:"log_retention"`
	Model     string        `mapstructure:"model"`
	Device    string        `mapstructure:"device"`
}

// DuplicateFilter configures frame deduplication.
type DuplicateFilter struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold float64       `mapstructure:"threshold"`
	Bypass    time.Duration `mapstructure:"bypass"`
}

// Detector names the primary detection model.
type Detector struct {
	Model  string `mapstructure:"model"`
	Device string `mapstructure:"device"`
}

type Config struct {
	Cameras         []Camera        `mapstructure:"cameras"`
	Pipeline        Pipeline        `mapstructure:"pipeline"`
	Tracking        Tracking        `mapstructure:"tracking"`
	PPE             PPE             `mapstructure:"ppe"`
	DuplicateFilter DuplicateFilter `mapstructure:"duplicate_filter"`
	Detector        Detector        `mapstructure:"detector"`

	EventDBPath    string        `mapstructure:"event_db_path"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// Load reads the YAML config at path, fills defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.backend_priority", []string{"ffmpeg", "gstreamer"})
	v.SetDefault("pipeline.retry_transports", []string{"tcp", "udp"})
	v.SetDefault("pipeline.ready_timeout", "15s")
	v.SetDefault("pipeline.ready_frames", 1)
	v.SetDefault("pipeline.read_timeout", "5s")
	v.SetDefault("pipeline.max_read_failures", 30)
	v.SetDefault("pipeline.retry_delay", "1s")
	v.SetDefault("pipeline.ffmpeg_reconnect_delay", "1s")
	v.SetDefault("pipeline.capture_buffer", 3)
	v.SetDefault("pipeline.local_buffer_size", 1)
	v.SetDefault("pipeline.frame_skip", 3)

	v.SetDefault("tracking.max_misses", 5)
	v.SetDefault("tracking.count_cooldown", "2s")
	v.SetDefault("tracking.iou_threshold", 0.3)
	v.SetDefault("tracking.max_center_dist", 100.0)
	v.SetDefault("tracking.count_classes", []string{"person"})

	v.SetDefault("ppe.queue_size", 64)
	v.SetDefault("ppe.log_retention", "168h")

	v.SetDefault("duplicate_filter.enabled", false)
	v.SetDefault("duplicate_filter.threshold", 0.1)
	v.SetDefault("duplicate_filter.bypass", "2s")

	v.SetDefault("event_db_path", "gate-vision.db")
	v.SetDefault("status_interval", "10s")
}

// normalize pins ffmpeg first in every backend priority list, the way
// probe order is defined, and lower-cases transports.
func normalize(cfg *Config) {
	cfg.Pipeline.BackendPriority = pinFFmpeg(cfg.Pipeline.BackendPriority)
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if len(cam.BackendPriority) > 0 {
			cam.BackendPriority = pinFFmpeg(cam.BackendPriority)
		}
		cam.Transport = strings.ToLower(strings.TrimSpace(cam.Transport))
		if cam.Line.Orientation == "" {
			cam.Line.Orientation = "horizontal"
		}
		if cam.Line.Ratio == 0 {
			cam.Line.Ratio = 0.5
		}
	}
	for i, t := range cfg.Pipeline.RetryTransports {
		cfg.Pipeline.RetryTransports[i] = strings.ToLower(strings.TrimSpace(t))
	}
}

func pinFFmpeg(priority []string) []string {
	out := []string{"ffmpeg"}
	for _, b := range priority {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" && b != "ffmpeg" {
			out = append(out, b)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if len(cfg.Cameras) == 0 {
		return fmt.Errorf("no cameras configured")
	}
	seen := make(map[string]bool, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera without id")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		if cam.URL == "" && cam.Device == "" {
			return fmt.Errorf("camera %s: url or device required", cam.ID)
		}
		switch cam.Line.Orientation {
		case "horizontal", "vertical":
		default:
			return fmt.Errorf("camera %s: line orientation %q", cam.ID, cam.Line.Orientation)
		}
		if cam.Line.Ratio <= 0 || cam.Line.Ratio >= 1 {
			return fmt.Errorf("camera %s: line ratio %v out of (0,1)", cam.ID, cam.Line.Ratio)
		}
	}
	return nil
}

// StreamConfig builds the orchestrator config for one camera, camera
// overrides on top of pipeline defaults.
func (c *Config) StreamConfig(cam Camera) stream.Config {
	backends := cam.BackendPriority
	if len(backends) == 0 {
		backends = c.Pipeline.BackendPriority
	}
	if cam.Device != "" {
		backends = []string{"device"}
	}
	transports := c.Pipeline.RetryTransports
	if cam.Transport != "" {
		transports = []string{cam.Transport}
	}
	frameSkip := cam.FrameSkip
	if frameSkip == 0 {
		frameSkip = c.Pipeline.FrameSkip
	}
	return stream.Config{
		CameraID:          cam.ID,
		URL:               cam.URL,
		Device:            cam.Device,
		Backends:          backends,
		Transports:        transports,
		Width:             cam.Width,
		Height:            cam.Height,
		ReadyFrames:       c.Pipeline.ReadyFrames,
		ReadyTimeout:      c.Pipeline.ReadyTimeout,
		MaxReadFailures:   c.Pipeline.MaxReadFailures,
		RetryDelay:        c.Pipeline.RetryDelay,
		ReadTimeout:       c.Pipeline.ReadTimeout,
		FrameSkip:         frameSkip,
		BufferSize:        c.Pipeline.LocalBufferSize,
		CaptureBuffer:     c.Pipeline.CaptureBuffer,
		ReconnectDelayMax: c.Pipeline.ReconnectDelay,
		ExtraFlags:        c.Pipeline.FFmpegFlags,
	}
}

// TrackConfig builds the tracking engine config for one camera.
func (c *Config) TrackConfig(cam Camera) track.Config {
	countClasses := cam.CountClasses
	if len(countClasses) == 0 {
		countClasses = c.Tracking.CountClasses
	}
	return track.Config{
		CameraID: cam.ID,
		Line: track.Line{
			Orientation: cam.Line.Orientation,
			Ratio:       cam.Line.Ratio,
			Reverse:     cam.Line.Reverse,
		},
		CountClasses:  countClasses,
		WatchClasses:  cam.PPEClasses,
		IoUThreshold:  c.Tracking.IoUThreshold,
		MaxCenterDist: c.Tracking.MaxCenterDist,
		MaxMisses:     c.Tracking.MaxMisses,
		CountCooldown: c.Tracking.CountCooldown,
	}
}
