// internal/track/engine.go
package track

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/core"
	"github.com/sua-org/gate-vision/internal/detect"
	"github.com/sua-org/gate-vision/internal/events"
	"github.com/sua-org/gate-vision/internal/ppe"
	"github.com/sua-org/gate-vision/internal/storage"
)

// Config drives one camera's tracking engine.
type Config struct {
	CameraID string
	Line     Line

	// CountClasses are counted on line crossings; empty counts every
	// detected class. WatchClasses additionally get one secondary
	// classification task per track.
	CountClasses []string
	WatchClasses []string

	// IoUThreshold accepts an association outright; below it a
	// center-distance fallback applies, gated by MaxCenterDist and a
	// bounded area ratio.
	IoUThreshold  float64
	MaxCenterDist float64

	MaxMisses     int
	CountCooldown time.Duration
}

func (c *Config) setDefaults() {
	if c.IoUThreshold <= 0 {
		c.IoUThreshold = 0.3
	}
	if c.MaxCenterDist <= 0 {
		c.MaxCenterDist = 100
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = 5
	}
	if c.CountCooldown <= 0 {
		c.CountCooldown = 2 * time.Second
	}
}

// Engine associates detections to tracks frame over frame and emits
// one CountEvent per track per counting-line crossing.
type Engine struct {
	cfg   Config
	det   detect.Detector
	sink  *events.Sink
	queue *ppe.Queue
	store storage.ImageStore
	log   zerolog.Logger

	now   func() time.Time
	newID func() string

	countable map[string]bool
	watched   map[string]bool

	tracks  map[int64]*Track
	nextID  int64
	counted map[int64]time.Time

	// Secondary completions land here from the worker goroutine and
	// are settled onto tracks at the start of the next frame.
	doneMu  sync.Mutex
	ppeDone []int64
}

// NewEngine wires a tracking engine. queue and store may be nil; sink
// must not be.
func NewEngine(cfg Config, det detect.Detector, sink *events.Sink, queue *ppe.Queue, store storage.ImageStore, log zerolog.Logger) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:   cfg,
		det:   det,
		sink:  sink,
		queue: queue,
		store: store,
		log:   log.With().Str("camera", cfg.CameraID).Logger(),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },

		countable: toSet(cfg.CountClasses),
		watched:   toSet(cfg.WatchClasses),
		tracks:    make(map[int64]*Track),
		counted:   make(map[int64]time.Time),
	}
	return e
}

func toSet(classes []string) map[string]bool {
	if len(classes) == 0 {
		return nil
	}
	m := make(map[string]bool, len(classes))
	for _, c := range classes {
		m[c] = true
	}
	return m
}

// Process runs detection and tracking over one accepted frame.
// Detector failures are logged and the frame skipped; the loop stays
// alive. Not safe for concurrent use: one engine per camera loop.
func (e *Engine) Process(frame core.Frame) {
	e.settleSecondary()

	detections, err := e.det.Detect(frame)
	if err != nil {
		e.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("detection failed, frame skipped")
		return
	}

	now := e.now()
	detections = e.relevant(detections)
	matched := e.associate(detections, frame, now)

	// Unmatched tracks age out; expiry finalizes the track with
	// whatever crossings it already produced.
	for id, tr := range e.tracks {
		if matched[id] {
			continue
		}
		tr.Misses++
		if tr.Misses > e.cfg.MaxMisses {
			delete(e.tracks, id)
			delete(e.counted, id)
			e.log.Debug().Int64("track", id).Msg("track expired")
		}
	}
}

// relevant keeps detections of counted or watched classes.
func (e *Engine) relevant(detections []core.Detection) []core.Detection {
	if e.countable == nil && e.watched == nil {
		return detections
	}
	out := detections[:0]
	for _, d := range detections {
		if e.countable == nil || e.countable[d.Class] || e.watched[d.Class] {
			out = append(out, d)
		}
	}
	return out
}

// associate greedily matches detections to tracks of the same class:
// best IoU above the threshold wins, otherwise the nearest centroid
// within MaxCenterDist and a comparable box area.
func (e *Engine) associate(detections []core.Detection, frame core.Frame, now time.Time) map[int64]bool {
	matched := make(map[int64]bool, len(detections))

	for _, d := range detections {
		var (
			best     *Track
			bestIoU  float64
			nearest  *Track
			nearDist = math.MaxFloat64
		)
		dcx, dcy := d.Box.Center()

		for _, tr := range e.tracks {
			if matched[tr.ID] || tr.Class != d.Class {
				continue
			}
			if iou := tr.Box.IoU(d.Box); iou > bestIoU {
				bestIoU = iou
				best = tr
			}
			tcx, tcy := tr.Box.Center()
			dist := math.Hypot(dcx-tcx, dcy-tcy)
			if dist < nearDist && comparableArea(tr.Box, d.Box) {
				nearDist = dist
				nearest = tr
			}
		}

		var tr *Track
		switch {
		case best != nil && bestIoU >= e.cfg.IoUThreshold:
			tr = best
		case nearest != nil && nearDist <= e.cfg.MaxCenterDist:
			tr = nearest
		default:
			tr = e.spawn(d, frame, now)
		}

		matched[tr.ID] = true
		e.advance(tr, d.Box, frame, now)
	}
	return matched
}

// comparableArea rejects distance-fallback matches between boxes of
// wildly different size.
func comparableArea(a, b core.BBox) bool {
	areaA, areaB := float64(a.Area()), float64(b.Area())
	if areaA == 0 || areaB == 0 {
		return false
	}
	ratio := areaA / areaB
	return ratio > 0.5 && ratio < 2.0
}

func (e *Engine) spawn(d core.Detection, frame core.Frame, now time.Time) *Track {
	e.nextID++
	cx, cy := d.Box.Center()
	tr := &Track{
		ID:    e.nextID,
		Class: d.Class,
		Box:   d.Box,
		Zone:  e.cfg.Line.Side(cx, cy, frame.Width, frame.Height),
		PPE:   PPENotNeeded,
	}
	e.tracks[tr.ID] = tr
	e.log.Debug().Int64("track", tr.ID).Str("class", tr.Class).Msg("track started")

	if e.watched[d.Class] && e.queue != nil {
		e.enqueueSecondary(tr, frame, now)
	}
	return tr
}

// advance moves a track onto its new detection and settles crossings.
func (e *Engine) advance(tr *Track, box core.BBox, frame core.Frame, now time.Time) {
	prev := tr.Zone
	tr.observe(box, now)
	cx, cy := box.Center()
	tr.Zone = e.cfg.Line.Side(cx, cy, frame.Width, frame.Height)

	if prev == "" || tr.Zone == prev {
		return
	}
	e.count(tr, prev, frame, now)
}

// count emits the CountEvent for a crossing, at most once per track
// inside the cooldown window.
func (e *Engine) count(tr *Track, from Zone, frame core.Frame, now time.Time) {
	if last, ok := e.counted[tr.ID]; ok && now.Sub(last) < e.cfg.CountCooldown {
		return
	}
	if e.countable != nil && !e.countable[tr.Class] {
		return
	}

	dir := e.cfg.Line.Direction(from, tr.Zone)
	ev := core.CountEvent{
		EventID:   e.newID(),
		CameraID:  e.cfg.CameraID,
		TrackID:   tr.ID,
		Class:     tr.Class,
		Direction: dir,
		Timestamp: now.UTC(),
		Box:       tr.Box,
	}

	if e.store != nil {
		if url, err := e.saveCrop(tr, frame, now); err != nil {
			e.log.Warn().Err(err).Int64("track", tr.ID).Msg("count snapshot failed")
		} else {
			ev.SnapshotURL = url
		}
	}

	if err := e.sink.Append(ev); err != nil {
		e.log.Error().Err(err).Str("event_id", ev.EventID).Msg("count event append failed")
		return
	}
	e.counted[tr.ID] = now
	e.log.Info().
		Int64("track", tr.ID).
		Str("class", tr.Class).
		Str("direction", string(dir)).
		Msg("line crossing counted")
}

func (e *Engine) saveCrop(tr *Track, frame core.Frame, now time.Time) (string, error) {
	crop := frame.Crop(tr.Box)
	if len(crop.Data) == 0 {
		return "", fmt.Errorf("empty crop for track %d", tr.ID)
	}
	data, err := storage.EncodeJPEG(crop)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("counts/%d_%s_%d.jpg", now.Unix(), e.cfg.CameraID, tr.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.store.SaveSnapshot(ctx, key, data, "image/jpeg")
}

func (e *Engine) enqueueSecondary(tr *Track, frame core.Frame, now time.Time) {
	crop := frame.Crop(tr.Box)
	if len(crop.Data) == 0 {
		return
	}
	id := tr.ID
	task := core.SecondaryTask{
		CameraID:   e.cfg.CameraID,
		TrackID:    id,
		Class:      tr.Class,
		Crop:       crop,
		EnqueuedAt: now,
		Done:       func() { e.secondaryDone(id) },
	}
	tr.PPE = PPEQueued
	if !e.queue.Push(task) {
		e.log.Debug().Int64("track", tr.ID).Msg("secondary queue evicted a task")
	}
}

// secondaryDone is called from the classification worker goroutine.
func (e *Engine) secondaryDone(trackID int64) {
	e.doneMu.Lock()
	e.ppeDone = append(e.ppeDone, trackID)
	e.doneMu.Unlock()
}

// settleSecondary flips tracks whose classification completed since
// the previous frame. Expired tracks are simply skipped.
func (e *Engine) settleSecondary() {
	e.doneMu.Lock()
	done := e.ppeDone
	e.ppeDone = nil
	e.doneMu.Unlock()

	for _, id := range done {
		if tr, ok := e.tracks[id]; ok && tr.PPE == PPEQueued {
			tr.PPE = PPEDone
		}
	}
}

// Tracks snapshots the live tracks for diagnostics.
func (e *Engine) Tracks() []Track {
	out := make([]Track, 0, len(e.tracks))
	for _, tr := range e.tracks {
		out = append(out, *tr)
	}
	return out
}
