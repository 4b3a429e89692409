// internal/capture/device.go
package capture

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/sua-org/gate-vision/internal/core"
)

func init() {
	Register("device", newDeviceSource)
}

// deviceSource reads from a local capture device (USB webcam, V4L2
// node) through OpenCV.
type deviceSource struct {
	opts Options

	mu      sync.Mutex
	cap     *gocv.VideoCapture
	mat     gocv.Mat
	desc    string
	seq     uint64
	lastErr string
	closed  bool
}

func newDeviceSource(opts Options) (Source, error) {
	if opts.Device == "" {
		return nil, fmt.Errorf("%w: device backend requires a device path or index", ErrUnsupported)
	}
	return &deviceSource{opts: opts}, nil
}

func (s *deviceSource) Open(ctx context.Context) error {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(s.opts.Device); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else {
		cap, err = gocv.OpenVideoCapture(s.opts.Device)
	}
	if err != nil {
		s.setLastErr(err.Error())
		return &OpenError{
			Backend:   "device",
			Transport: "local",
			Reason:    "not_found",
			Detail:    "capture device could not be opened",
			Err:       err,
		}
	}

	if s.opts.BufferSize > 0 {
		cap.Set(gocv.VideoCaptureBufferSize, float64(s.opts.BufferSize))
	}
	if s.opts.Width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(s.opts.Width))
	}
	if s.opts.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(s.opts.Height))
	}

	s.mu.Lock()
	s.cap = cap
	s.mat = gocv.NewMat()
	s.desc = fmt.Sprintf("opencv device=%s buffer=%d", s.opts.Device, s.opts.BufferSize)
	s.mu.Unlock()
	return nil
}

func (s *deviceSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return core.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil || s.closed {
		return core.Frame{}, ErrDisconnected
	}

	if ok := s.cap.Read(&s.mat); !ok {
		s.lastErr = "device read failed"
		return core.Frame{}, fmt.Errorf("%w: device read failed", ErrDisconnected)
	}
	if s.mat.Empty() {
		s.lastErr = "empty frame from device"
		return core.Frame{}, ErrCorruptFrame
	}

	data := s.mat.ToBytes()
	out := make([]byte, len(data))
	copy(out, data)

	s.seq++
	return core.Frame{
		Data:      out,
		Width:     s.mat.Cols(),
		Height:    s.mat.Rows(),
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *deviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.mat.Closed() {
		_ = s.mat.Close()
	}
	if s.cap != nil {
		return s.cap.Close()
	}
	return nil
}

func (s *deviceSource) Pipeline() string { return s.desc }

func (s *deviceSource) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
