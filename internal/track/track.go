// internal/track/track.go
package track

import (
	"time"

	"github.com/sua-org/gate-vision/internal/core"
)

// trailCap bounds the remembered trajectory per track.
const trailCap = 30

// Zone is which side of the counting line a track's centroid is on.
type Zone string

const (
	ZoneBefore Zone = "before"
	ZoneAfter  Zone = "after"
)

// PPEState tracks the secondary-classification lifecycle of a track.
type PPEState string

const (
	PPENotNeeded PPEState = "not-needed"
	PPEQueued    PPEState = "queued"
	PPEDone      PPEState = "done"
)

// Line is the counting line: a ratio position across the frame, an
// orientation, and a reverse flag flipping which side counts as "in".
type Line struct {
	Orientation string  // "horizontal" (line spans width) or "vertical"
	Ratio       float64 // 0..1 position along the perpendicular axis
	Reverse     bool
}

// Side returns the zone for a centroid on a width x height frame.
func (l Line) Side(cx, cy float64, width, height int) Zone {
	switch l.Orientation {
	case "vertical":
		if cx < l.Ratio*float64(width) {
			return ZoneBefore
		}
	default: // horizontal
		if cy < l.Ratio*float64(height) {
			return ZoneBefore
		}
	}
	return ZoneAfter
}

// Direction maps a zone transition to in/out, honouring Reverse.
func (l Line) Direction(from, to Zone) core.Direction {
	dir := core.DirectionIn
	if to == ZoneBefore {
		dir = core.DirectionOut
	}
	if l.Reverse {
		if dir == core.DirectionIn {
			dir = core.DirectionOut
		} else {
			dir = core.DirectionIn
		}
	}
	return dir
}

// TrailPoint is one centroid observation.
type TrailPoint struct {
	X  float64
	Y  float64
	At time.Time
}

// Track is one object followed across frames of a single camera.
type Track struct {
	ID       int64
	Class    string
	Box      core.BBox
	Zone     Zone
	Trail    []TrailPoint
	Misses   int
	LastSeen time.Time
	PPE      PPEState
}

// observe moves the track onto a fresh detection.
func (t *Track) observe(box core.BBox, at time.Time) {
	t.Box = box
	t.Misses = 0
	t.LastSeen = at
	cx, cy := box.Center()
	t.Trail = append(t.Trail, TrailPoint{X: cx, Y: cy, At: at})
	if len(t.Trail) > trailCap {
		t.Trail = t.Trail[len(t.Trail)-trailCap:]
	}
}
