// internal/events/sink.go
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/core"
)

// Store persists the append-only event log. Append must be
// idempotent on EventID so replays never double-write.
type Store interface {
	Append(ev core.CountEvent) error
	Load() ([]core.CountEvent, error)
	Close() error
}

// Publisher pushes committed events to the outside (MQTT). Publish
// failures are logged, never propagated: the log is the source of
// truth.
type Publisher interface {
	PublishEvent(ev core.CountEvent) error
}

// Totals per camera.
type Totals struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// Occupancy is In minus Out.
func (t Totals) Occupancy() int { return t.In - t.Out }

// Aggregate folds an event log into per-camera totals. Pure function:
// the same log always produces the same aggregates, which is what
// makes sink reconstruction idempotent.
func Aggregate(evs []core.CountEvent) map[string]Totals {
	out := make(map[string]Totals)
	seen := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		if ev.EventID != "" {
			if _, dup := seen[ev.EventID]; dup {
				continue
			}
			seen[ev.EventID] = struct{}{}
		}
		t := out[ev.CameraID]
		switch ev.Direction {
		case core.DirectionIn:
			t.In++
		case core.DirectionOut:
			t.Out++
		}
		out[ev.CameraID] = t
	}
	return out
}

// Sink is the append-only CountEvent log with running totals.
type Sink struct {
	log   zerolog.Logger
	store Store
	pub   Publisher

	mu     sync.Mutex
	events []core.CountEvent
	seen   map[string]struct{}
	totals map[string]Totals
}

// NewSink builds a sink, replaying the persisted log to seed totals.
// store and pub may be nil.
func NewSink(store Store, pub Publisher, log zerolog.Logger) (*Sink, error) {
	s := &Sink{
		log:    log,
		store:  store,
		pub:    pub,
		seen:   make(map[string]struct{}),
		totals: make(map[string]Totals),
	}
	if store != nil {
		persisted, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load event log: %w", err)
		}
		s.Replay(persisted)
		log.Info().Int("events", len(persisted)).Msg("event log replayed")
	}
	return s, nil
}

// Append commits one event: persists it, updates totals and publishes
// it. Duplicate EventIDs are ignored. Persistence errors abort the
// append; publish errors do not.
func (s *Sink) Append(ev core.CountEvent) error {
	s.mu.Lock()
	if _, dup := s.seen[ev.EventID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Append(ev); err != nil {
			return fmt.Errorf("persist event %s: %w", ev.EventID, err)
		}
	}

	s.mu.Lock()
	// Re-check under lock, a concurrent Append may have won.
	if _, dup := s.seen[ev.EventID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.apply(ev)
	s.mu.Unlock()

	if s.pub != nil {
		if err := s.pub.PublishEvent(ev); err != nil {
			s.log.Warn().Err(err).Str("event_id", ev.EventID).Msg("event publish failed")
		}
	}
	return nil
}

// Replay folds already-persisted events into memory without
// re-persisting or re-publishing them. Replaying the same events
// repeatedly leaves the aggregates unchanged.
func (s *Sink) Replay(evs []core.CountEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if _, dup := s.seen[ev.EventID]; dup {
			continue
		}
		s.apply(ev)
	}
}

// apply assumes s.mu is held and the event is not a duplicate.
func (s *Sink) apply(ev core.CountEvent) {
	if ev.EventID != "" {
		s.seen[ev.EventID] = struct{}{}
	}
	s.events = append(s.events, ev)
	t := s.totals[ev.CameraID]
	switch ev.Direction {
	case core.DirectionIn:
		t.In++
	case core.DirectionOut:
		t.Out++
	}
	s.totals[ev.CameraID] = t
}

// Totals returns the running totals for one camera.
func (s *Sink) Totals(cameraID string) Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[cameraID]
}

// AllTotals snapshots every camera's totals.
func (s *Sink) AllTotals() map[string]Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Totals, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out
}

// History returns events with from <= Timestamp < to, in append order.
func (s *Sink) History(from, to time.Time) []core.CountEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.CountEvent
	for _, ev := range s.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Events snapshots the full log.
func (s *Sink) Events() []core.CountEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.CountEvent(nil), s.events...)
}

// Len reports the committed event count.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
