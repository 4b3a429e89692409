// internal/capture/gstreamer.go
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/sua-org/gate-vision/internal/core"
)

func init() {
	Register("gstreamer", newGstSource)
}

// gstSource decodes RTSP with a GStreamer pipeline ending in a leaky
// single-buffer appsink, so the consumer always sees the freshest
// frame.
type gstSource struct {
	opts Options

	pipeline *gst.Pipeline
	appsink  *app.Sink
	desc     string

	frames chan core.Frame
	seq    uint64

	mu      sync.Mutex
	lastErr string
	closed  bool
}

func newGstSource(opts Options) (Source, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: gstreamer backend requires a stream URL", ErrUnsupported)
	}
	return &gstSource{opts: opts}, nil
}

func (s *gstSource) Open(ctx context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return s.openError(fmt.Errorf("create pipeline: %w", err))
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return s.openError(fmt.Errorf("create rtspsrc: %w", err))
	}
	rtspsrc.SetProperty("location", s.opts.URL)
	rtspsrc.SetProperty("latency", 100)
	if s.opts.transport() == "tcp" {
		rtspsrc.SetProperty("protocols", 4) // TCP only
	} else {
		rtspsrc.SetProperty("protocols", 1) // UDP
	}
	rtspsrc.SetProperty("tcp-timeout", uint64(s.opts.timeout().Microseconds()))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return s.openError(fmt.Errorf("create rtph264depay: %w", err))
	}
	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return s.openError(fmt.Errorf("create h264parse: %w", err))
	}
	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return s.openError(fmt.Errorf("create avdec_h264: %w", err))
	}
	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return s.openError(fmt.Errorf("create videoconvert: %w", err))
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return s.openError(fmt.Errorf("create capsfilter: %w", err))
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=BGR"))

	queue, err := gst.NewElement("queue")
	if err != nil {
		return s.openError(fmt.Errorf("create queue: %w", err))
	}
	queue.SetProperty("max-size-buffers", uint(1))
	queue.SetProperty("leaky", 2) // downstream: drop old buffers

	appsink, err := app.NewAppSink()
	if err != nil {
		return s.openError(fmt.Errorf("create appsink: %w", err))
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("drop", true)
	appsink.SetProperty("max-buffers", 1)

	pipeline.AddMany(rtspsrc, depay, parse, decoder, converter, capsfilter, queue, appsink.Element)
	if err := gst.ElementLinkMany(depay, parse, decoder, converter, capsfilter, queue, appsink.Element); err != nil {
		return s.openError(fmt.Errorf("link pipeline: %w", err))
	}

	// rtspsrc pads are dynamic, link them as they appear.
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			s.setLastErr("rtph264depay sink pad missing")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			s.setLastErr(fmt.Sprintf("pad link failed: %v", ret))
		}
	})

	bufSize := s.opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1
	}
	s.frames = make(chan core.Frame, bufSize)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return s.openError(fmt.Errorf("start pipeline: %w", err))
	}

	s.pipeline = pipeline
	s.appsink = appsink
	s.desc = fmt.Sprintf(
		"rtspsrc location=%s protocols=%s latency=100 ! rtph264depay ! h264parse ! avdec_h264 ! videoconvert ! video/x-raw,format=BGR ! queue max-size-buffers=1 leaky=downstream ! appsink drop=true sync=false max-buffers=1",
		s.opts.URL, s.opts.transport(),
	)
	s.opts.Log.Debug().Str("pipeline", s.desc).Msg("gstreamer pipeline playing")
	return nil
}

func (s *gstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	width, height := s.sampleDims(sample)
	if width == 0 || height == 0 {
		// Infer from buffer size against configured geometry.
		width, height = s.opts.Width, s.opts.Height
	}
	if width*height*3 != len(frameData) {
		s.setLastErr(fmt.Sprintf("unexpected buffer size %d for %dx%d", len(frameData), width, height))
		return gst.FlowOK
	}

	s.seq++
	frame := core.Frame{
		Data:      frameData,
		Width:     width,
		Height:    height,
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
	}
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

func (s *gstSource) sampleDims(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps == nil {
		return 0, 0
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return 0, 0
	}
	w, errW := st.GetValue("width")
	h, errH := st.GetValue("height")
	if errW != nil || errH != nil {
		return 0, 0
	}
	width, _ := w.(int)
	height, _ := h.(int)
	return width, height
}

func (s *gstSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	if s.frames == nil {
		return core.Frame{}, ErrDisconnected
	}
	timer := time.NewTimer(s.opts.timeout())
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-timer.C:
		s.setLastErr(ErrReadTimeout.Error())
		return core.Frame{}, ErrReadTimeout
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	}
}

func (s *gstSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.pipeline != nil {
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			return fmt.Errorf("stop pipeline: %w", err)
		}
	}
	return nil
}

func (s *gstSource) openError(err error) error {
	s.setLastErr(err.Error())
	return &OpenError{
		Backend:   "gstreamer",
		Transport: s.opts.transport(),
		Reason:    "unknown",
		Err:       err,
	}
}

func (s *gstSource) setLastErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *gstSource) Pipeline() string { return s.desc }

func (s *gstSource) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
