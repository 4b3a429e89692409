// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/gate-vision/internal/config"
	"github.com/sua-org/gate-vision/internal/detect"
	"github.com/sua-org/gate-vision/internal/dupfilter"
	"github.com/sua-org/gate-vision/internal/events"
	"github.com/sua-org/gate-vision/internal/ppe"
	"github.com/sua-org/gate-vision/internal/storage"
	"github.com/sua-org/gate-vision/internal/stream"
	"github.com/sua-org/gate-vision/internal/track"
)

// publisher is the slice of the MQTT client the supervisor needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// Supervisor owns one worker per configured camera: the capture
// orchestrator, duplicate filter and tracking engine wired into a
// single loop. It publishes per-camera and collector status on a
// ticker and accepts restart commands for failed cameras.
type Supervisor struct {
	cfg       *config.Config
	mqtt      publisher
	baseTopic string

	sink     *events.Sink
	detector detect.Detector
	queue    *ppe.Queue
	store    storage.ImageStore
	log      zerolog.Logger

	mu      sync.Mutex
	workers map[string]*cameraWorker
	wg      sync.WaitGroup

	statusInterval time.Duration
	proc           *process.Process

	newOrchestrator func(cam config.Camera) *stream.Orchestrator
}

type cameraWorker struct {
	cam     config.Camera
	cancel  context.CancelFunc
	orch    *stream.Orchestrator
	restart chan struct{}

	lastFrameAt time.Time
	frames      uint64
}

// New wires a supervisor. mqtt and store may be nil; cameras then run
// without status publication or snapshot upload.
func New(
	cfg *config.Config,
	mqtt publisher,
	baseTopic string,
	sink *events.Sink,
	detector detect.Detector,
	queue *ppe.Queue,
	store storage.ImageStore,
	log zerolog.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:            cfg,
		mqtt:           mqtt,
		baseTopic:      strings.TrimSuffix(baseTopic, "/"),
		sink:           sink,
		detector:       detector,
		queue:          queue,
		store:          store,
		log:            log.With().Str("component", "supervisor").Logger(),
		workers:        make(map[string]*cameraWorker),
		statusInterval: cfg.StatusInterval,
	}
	if s.statusInterval <= 0 {
		s.statusInterval = 10 * time.Second
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}
	s.newOrchestrator = func(cam config.Camera) *stream.Orchestrator {
		return stream.New(cfg.StreamConfig(cam), log)
	}
	return s
}

// Run starts every configured camera and blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, cam := range s.cfg.Cameras {
		s.startCamera(ctx, cam)
	}

	if s.mqtt != nil {
		topic := fmt.Sprintf("%s/control/restart", s.baseTopic)
		if err := s.mqtt.Subscribe(topic, 1, s.handleRestartMessage); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("control subscribe failed")
		}
	}

	go s.runStatusLoop(ctx)

	<-ctx.Done()
	s.stopAll()
	s.wg.Wait()
	return ctx.Err()
}

// Apply replaces the camera set. Unchanged cameras keep running;
// changed ones are torn down and recreated, removed ones stopped.
func (s *Supervisor) Apply(ctx context.Context, cameras []config.Camera) {
	want := make(map[string]config.Camera, len(cameras))
	for _, cam := range cameras {
		want[cam.ID] = cam
	}

	s.mu.Lock()
	var stop, start []config.Camera
	for id, w := range s.workers {
		cam, keep := want[id]
		if keep && reflect.DeepEqual(cam, w.cam) {
			delete(want, id)
			continue
		}
		stop = append(stop, w.cam)
		if keep {
			start = append(start, cam)
			delete(want, id)
		}
	}
	for _, cam := range want {
		start = append(start, cam)
	}
	s.mu.Unlock()

	for _, cam := range stop {
		s.stopCamera(cam.ID)
	}
	for _, cam := range start {
		s.log.Info().Str("camera", cam.ID).Msg("camera config changed, restarting worker")
		s.startCamera(ctx, cam)
	}
}

// Restart kicks a failed camera back into probing. A no-op for
// cameras that are not in the failed state.
func (s *Supervisor) Restart(cameraID string) error {
	s.mu.Lock()
	w, ok := s.workers[cameraID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown camera %q", cameraID)
	}
	select {
	case w.restart <- struct{}{}:
	default:
	}
	return nil
}

// Diagnostics snapshots every camera for status publication.
func (s *Supervisor) Diagnostics() []stream.Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Diagnostics, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.orch.Diagnostics())
	}
	return out
}

func (s *Supervisor) startCamera(ctx context.Context, cam config.Camera) {
	camCtx, cancel := context.WithCancel(ctx)
	w := &cameraWorker{
		cam:     cam,
		cancel:  cancel,
		orch:    s.newOrchestrator(cam),
		restart: make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.workers[cam.ID] = w
	s.mu.Unlock()

	s.log.Info().
		Str("camera", cam.ID).
		Str("url", cam.URL).
		Str("device", cam.Device).
		Msg("starting camera worker")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCamera(camCtx, w)
	}()
}

func (s *Supervisor) runCamera(ctx context.Context, w *cameraWorker) {
	log := s.log.With().Str("camera", w.cam.ID).Logger()

	engine := track.NewEngine(s.cfg.TrackConfig(w.cam), s.detector, s.sink, s.queue, s.store, log)
	var filter *dupfilter.Filter
	if s.cfg.DuplicateFilter.Enabled {
		filter = dupfilter.New(s.cfg.DuplicateFilter.Threshold, s.cfg.DuplicateFilter.Bypass)
	}

	for ctx.Err() == nil {
		err := s.cameraPass(ctx, w, engine, filter)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			w.orch.Close()
			return
		case errors.Is(err, stream.ErrFailed):
			log.Error().Str("last_error", w.orch.Diagnostics().LastError).
				Msg("camera failed, waiting for restart")
			select {
			case <-ctx.Done():
				w.orch.Close()
				return
			case <-w.restart:
				if rerr := w.orch.Restart(); rerr != nil {
					log.Warn().Err(rerr).Msg("restart rejected")
				} else {
					log.Info().Msg("camera restart requested")
				}
			}
		default:
			// A panic in the loop body lands here: rebuild the unit
			// from scratch. Committed events live in the sink and
			// survive.
			log.Error().Err(err).Msg("camera worker crashed, rebuilding")
			w.orch.Close()
			s.mu.Lock()
			w.orch = s.newOrchestrator(w.cam)
			s.mu.Unlock()
			engine = track.NewEngine(s.cfg.TrackConfig(w.cam), s.detector, s.sink, s.queue, s.store, log)
			if filter != nil {
				filter.Reset()
			}
		}
	}
	w.orch.Close()
}

// cameraPass runs one orchestrator read plus downstream processing,
// converting panics to errors so one bad frame cannot take the
// process down.
func (s *Supervisor) cameraPass(ctx context.Context, w *cameraWorker, engine *track.Engine, filter *dupfilter.Filter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("camera loop panic: %v", r)
		}
	}()

	frame, err := w.orch.Next(ctx)
	if err != nil {
		return err
	}

	if w.orch.Resumed() && filter != nil {
		filter.Reset()
	}
	if filter != nil && !filter.Accept(frame) {
		return nil
	}

	engine.Process(frame)

	s.mu.Lock()
	w.lastFrameAt = time.Now().UTC()
	w.frames++
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handleRestartMessage(topic string, payload []byte) {
	var msg struct {
		CameraID string `json:"camera_id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.CameraID == "" {
		s.log.Warn().Str("topic", topic).Msg("malformed restart command")
		return
	}
	if err := s.Restart(msg.CameraID); err != nil {
		s.log.Warn().Err(err).Msg("restart command rejected")
		return
	}
	s.log.Info().Str("camera", msg.CameraID).Msg("restart command accepted")
}

func (s *Supervisor) runStatusLoop(ctx context.Context) {
	if s.mqtt == nil {
		return
	}
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.publishStatuses(hostname, t)
		}
	}
}

type cameraStatus struct {
	stream.Diagnostics
	LastFrameAt     time.Time     `json:"last_frame_at,omitempty"`
	FramesProcessed uint64        `json:"frames_processed"`
	Totals          events.Totals `json:"totals"`
	Occupancy       int           `json:"occupancy"`
	Timestamp       string        `json:"timestamp"`
}

func (s *Supervisor) publishStatuses(hostname string, now time.Time) {
	s.mu.Lock()
	type snap struct {
		diag        stream.Diagnostics
		lastFrameAt time.Time
		frames      uint64
		id          string
	}
	snaps := make([]snap, 0, len(s.workers))
	for id, w := range s.workers {
		snaps = append(snaps, snap{diag: w.orch.Diagnostics(), lastFrameAt: w.lastFrameAt, frames: w.frames, id: id})
	}
	s.mu.Unlock()

	for _, sn := range snaps {
		totals := s.sink.Totals(sn.id)
		status := cameraStatus{
			Diagnostics:     sn.diag,
			LastFrameAt:     sn.lastFrameAt,
			FramesProcessed: sn.frames,
			Totals:          totals,
			Occupancy:       totals.Occupancy(),
			Timestamp:       now.UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(status)
		if err != nil {
			s.log.Error().Err(err).Str("camera", sn.id).Msg("marshal camera status")
			continue
		}
		topic := fmt.Sprintf("%s/%s/status", s.baseTopic, sn.id)
		if err := s.mqtt.Publish(topic, 1, true, payload); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("publish camera status")
		}
	}

	s.publishCollectorStatus(hostname, len(snaps), now)
}

func (s *Supervisor) publishCollectorStatus(hostname string, cameras int, now time.Time) {
	var (
		cpuPercent  float64
		memPercent  float64
		memRSSBytes uint64
	)
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			cpuPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			memRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			memPercent = float64(memP)
		}
	}

	payload := map[string]interface{}{
		"collector":        "gate-vision",
		"status":           "online",
		"timestamp":        now.UTC().Format(time.RFC3339),
		"hostname":         hostname,
		"cameras":          cameras,
		"cpu_percent":      cpuPercent,
		"memory_percent":   memPercent,
		"memory_rss_bytes": memRSSBytes,
	}
	if s.queue != nil {
		payload["ppe_queue_depth"] = s.queue.Len()
		payload["ppe_queue_dropped"] = s.queue.Dropped()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal collector status")
		return
	}
	topic := fmt.Sprintf("%s/collector/status", s.baseTopic)
	if err := s.mqtt.Publish(topic, 1, true, b); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("publish collector status")
	}
}

func (s *Supervisor) stopCamera(id string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	s.log.Info().Str("camera", id).Msg("camera worker stopped")
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	workers := make([]*cameraWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*cameraWorker)
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
}
