// internal/dupfilter/dupfilter_test.go
package dupfilter

import (
	"testing"
	"time"

	"github.com/sua-org/gate-vision/internal/core"
)

func solidFrame(w, h int, value byte) core.Frame {
	f := core.Frame{Width: w, Height: h}
	f.Data = make([]byte, f.Size())
	for i := range f.Data {
		f.Data[i] = value
	}
	return f
}

func TestAcceptThenDropNearIdentical(t *testing.T) {
	f := New(5.0, 0)

	if !f.Accept(solidFrame(8, 8, 100)) {
		t.Fatal("first frame must always be accepted")
	}
	if f.Accept(solidFrame(8, 8, 101)) {
		t.Fatal("near-identical frame (diff 1.0 < threshold 5.0) must be dropped")
	}
	if !f.Accept(solidFrame(8, 8, 140)) {
		t.Fatal("clearly different frame must be accepted")
	}
	// Baseline advanced to the accepted frame, not the dropped one.
	if f.Accept(solidFrame(8, 8, 141)) {
		t.Fatal("frame near the new baseline must be dropped")
	}
}

func TestDroppedFrameDoesNotMoveBaseline(t *testing.T) {
	f := New(10.0, 0)
	f.Accept(solidFrame(8, 8, 100))

	// Creep upward in sub-threshold steps; every step compares
	// against the original baseline so the drift is eventually caught.
	for _, v := range []byte{104, 108, 112} {
		if f.Accept(solidFrame(8, 8, v)) {
			if v != 112 {
				t.Fatalf("value %d accepted too early", v)
			}
			return
		}
	}
	t.Fatal("cumulative drift past the threshold was never accepted")
}

func TestResetAcceptsNextFrame(t *testing.T) {
	f := New(5.0, 0)
	frame := solidFrame(8, 8, 100)

	f.Accept(frame)
	if f.Accept(frame) {
		t.Fatal("identical frame must be dropped before reset")
	}

	f.Reset()
	if !f.Accept(frame) {
		t.Fatal("first frame after Reset must be accepted")
	}
}

func TestBypassWindowAfterReset(t *testing.T) {
	now := time.Unix(1000, 0)
	f := New(5.0, 3*time.Second)
	f.now = func() time.Time { return now }
	f.Reset()

	frame := solidFrame(8, 8, 100)
	if !f.Accept(frame) {
		t.Fatal("accept inside bypass window")
	}
	now = now.Add(time.Second)
	if !f.Accept(frame) {
		t.Fatal("identical frame inside bypass window must still be accepted")
	}

	now = now.Add(5 * time.Second)
	if f.Accept(frame) {
		t.Fatal("identical frame after bypass window must be dropped")
	}
}

func TestDimensionChangeAccepted(t *testing.T) {
	f := New(5.0, 0)
	f.Accept(solidFrame(8, 8, 100))
	if !f.Accept(solidFrame(16, 8, 100)) {
		t.Fatal("resolution change must be accepted")
	}
}

func TestEmptyFrameRejected(t *testing.T) {
	f := New(5.0, 0)
	if f.Accept(core.Frame{}) {
		t.Fatal("empty frame must be rejected")
	}
}
