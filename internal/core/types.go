// internal/core/types.go
package core

import "time"

// Frame is a single decoded video frame in packed BGR24 layout
// (len(Data) == Width*Height*3). Frames are value types; Data is
// owned by the frame and never reused by the producer.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// Size returns the expected byte length for the frame dimensions.
func (f Frame) Size() int {
	return f.Width * f.Height * 3
}

// Crop returns a copy of the sub-region of the frame described by box,
// clamped to the frame bounds. Returns a zero frame when the clamped
// region is empty.
func (f Frame) Crop(box BBox) Frame {
	b := box.Clamp(f.Width, f.Height)
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 || len(f.Data) < f.Size() {
		return Frame{}
	}
	out := make([]byte, w*h*3)
	for row := 0; row < h; row++ {
		srcOff := ((b.Y1+row)*f.Width + b.X1) * 3
		copy(out[row*w*3:(row+1)*w*3], f.Data[srcOff:srcOff+w*3])
	}
	return Frame{
		Data:      out,
		Width:     w,
		Height:    h,
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
	}
}

// BBox is an axis-aligned box in pixel coordinates, X2/Y2 exclusive.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BBox) Width() int  { return b.X2 - b.X1 }
func (b BBox) Height() int { return b.Y2 - b.Y1 }
func (b BBox) Area() int {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centroid.
func (b BBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Clamp limits the box to a width x height image.
func (b BBox) Clamp(width, height int) BBox {
	if b.X1 < 0 {
		b.X1 = 0
	}
	if b.Y1 < 0 {
		b.Y1 = 0
	}
	if b.X2 > width {
		b.X2 = width
	}
	if b.Y2 > height {
		b.Y2 = height
	}
	return b
}

// IoU computes intersection-over-union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	x1 := max(b.X1, o.X1)
	y1 := max(b.Y1, o.Y1)
	x2 := min(b.X2, o.X2)
	y2 := min(b.Y2, o.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := float64((x2 - x1) * (y2 - y1))
	union := float64(b.Area()+o.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single detector hit on a frame.
type Detection struct {
	Box        BBox    `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Direction of a counted line crossing.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// CountEvent is emitted exactly once per track per line crossing.
type CountEvent struct {
	EventID     string    `json:"event_id"`
	CameraID    string    `json:"camera_id"`
	TrackID     int64     `json:"track_id"`
	Class       string    `json:"class"`
	Direction   Direction `json:"direction"`
	Timestamp   time.Time `json:"timestamp"`
	Box         BBox      `json:"box"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`
}

// SecondaryTask asks the classification worker to run a secondary
// model over a track crop. Crop is a BGR24 sub-image of the frame the
// track was last seen in.
type SecondaryTask struct {
	CameraID   string
	TrackID    int64
	Class      string
	Crop       Frame
	EnqueuedAt time.Time

	// Done, when set, is invoked by the worker after a successful
	// classification. Runs on the worker goroutine.
	Done func()
}

// TaskKey identifies a secondary classification result.
type TaskKey struct {
	CameraID string
	TrackID  int64
	Unix     int64
}

func (t SecondaryTask) Key() TaskKey {
	return TaskKey{CameraID: t.CameraID, TrackID: t.TrackID, Unix: t.EnqueuedAt.Unix()}
}
