// internal/capture/ffmpeg.go
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/gate-vision/internal/core"
)

const stderrLines = 200

func init() {
	Register("ffmpeg", newFFmpegSource)
}

// ffmpegSource decodes a stream by spawning ffmpeg and reading packed
// BGR24 frames from its stdout. One process per connection attempt.
type ffmpegSource struct {
	opts Options

	width  int
	height int

	cmd     *exec.Cmd
	stdout  io.ReadCloser
	command string

	frames chan core.Frame
	errs   chan error
	done   chan struct{}

	mu      sync.Mutex
	stderr  []string
	lastErr string
	closed  bool
}

func newFFmpegSource(opts Options) (Source, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: ffmpeg backend requires a stream URL", ErrUnsupported)
	}
	return &ffmpegSource{opts: opts}, nil
}

func (s *ffmpegSource) Open(ctx context.Context) error {
	s.width, s.height = s.opts.Width, s.opts.Height
	if s.width == 0 || s.height == 0 {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.timeout())
		info, err := Probe(probeCtx, s.opts.URL)
		cancel()
		if err != nil {
			s.opts.Log.Warn().Err(err).Msg("probe failed, assuming 640x480")
			info = StreamInfo{Width: 640, Height: 480}
		}
		if s.width == 0 {
			s.width = info.Width
		}
		if s.height == 0 {
			s.height = info.Height
		}
	}

	args := s.buildArgs()
	s.command = "ffmpeg " + strings.Join(args, " ")
	s.opts.Log.Debug().Str("pipeline", s.command).Msg("starting ffmpeg")

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.openError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.openError(err)
	}
	if err := cmd.Start(); err != nil {
		return s.openError(err)
	}

	s.cmd = cmd
	s.stdout = stdout

	bufSize := s.opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1
	}
	s.frames = make(chan core.Frame, bufSize)
	s.errs = make(chan error, 1)
	s.done = make(chan struct{})

	go s.drainStderr(stderr)
	go s.readLoop()
	return nil
}

// buildArgs mirrors the flag set proven against a wide range of
// cameras: no-buffer low-delay decode with both socket timeout
// spellings (older ffmpeg builds only honour -stimeout).
func (s *ffmpegSource) buildArgs() []string {
	args := []string{"-nostdin", "-threads", "1"}

	timeoutMicros := fmt.Sprintf("%d", s.opts.timeout().Microseconds())

	if strings.HasPrefix(s.opts.URL, "rtsp://") {
		args = append(args, "-rtsp_transport", s.opts.transport())
		if s.opts.transport() == "tcp" {
			args = append(args, "-rtsp_flags", "prefer_tcp")
		}
		args = append(args, "-rw_timeout", timeoutMicros, "-stimeout", timeoutMicros)
	} else {
		args = append(args, "-rw_timeout", timeoutMicros)
		delayMax := s.opts.ReconnectDelayMax
		if delayMax <= 0 {
			delayMax = time.Second
		}
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", fmt.Sprintf("%d", int(delayMax.Seconds())),
		)
	}

	args = append(args,
		"-fflags", "nobuffer+discardcorrupt",
		"-flags", "low_delay",
		"-fflags", "+genpts",
		"-analyzeduration", "1000000",
		"-probesize", "500000",
	)
	if extra := strings.Fields(s.opts.ExtraFlags); len(extra) > 0 {
		args = append(args, extra...)
	}
	args = append(args, "-i", s.opts.URL)
	// An explicit size must be enforced on the output, not assumed:
	// readLoop slices stdout into width*height*3 byte frames.
	if s.opts.Width > 0 && s.opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", s.opts.Width, s.opts.Height))
	}
	args = append(args,
		"-vcodec", "rawvideo",
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"-",
	)
	return args
}

func (s *ffmpegSource) readLoop() {
	frameSize := s.width * s.height * 3
	var seq uint64
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			s.errs <- s.readError(err)
			return
		}
		seq++
		frame := core.Frame{
			Data:      buf,
			Width:     s.width,
			Height:    s.height,
			Seq:       seq,
			Timestamp: time.Now().UTC(),
		}
		// Keep only the freshest frames when the consumer lags.
		for {
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			default:
				select {
				case <-s.frames:
				default:
				}
				continue
			}
			break
		}
	}
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	if s.frames == nil {
		return core.Frame{}, ErrDisconnected
	}
	timer := time.NewTimer(s.opts.timeout())
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case err := <-s.errs:
		return core.Frame{}, err
	case <-timer.C:
		s.setLastErr(ErrReadTimeout.Error())
		return core.Frame{}, ErrReadTimeout
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	}
}

// readError turns a pipe failure into a classified taxonomy error.
func (s *ffmpegSource) readError(err error) error {
	tail := s.stderrTail()
	reason, detail := Classify(tail)

	base := ErrDisconnected
	switch {
	case reason == "codec" && strings.Contains(tail, "Unknown decoder"):
		base = ErrUnsupported
	case reason == "codec":
		base = ErrCorruptFrame
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.setLastErr(fmt.Sprintf("corrupt frame: %v", err))
		return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}

	msg := fmt.Sprintf("ffmpeg exited (%s)", reason)
	if detail != "" {
		msg += ": " + detail
	}
	s.setLastErr(msg)
	return fmt.Errorf("%w: %s", base, msg)
}

func (s *ffmpegSource) openError(err error) error {
	reason, detail := Classify(err.Error())
	s.setLastErr(err.Error())
	return &OpenError{
		Backend:   "ffmpeg",
		Transport: s.opts.transport(),
		Reason:    reason,
		Detail:    detail,
		Err:       err,
	}
}

func (s *ffmpegSource) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.mu.Lock()
		s.stderr = append(s.stderr, line)
		if len(s.stderr) > stderrLines {
			s.stderr = s.stderr[len(s.stderr)-stderrLines:]
		}
		s.mu.Unlock()
	}
}

func (s *ffmpegSource) stderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.stderr, "\n")
}

func (s *ffmpegSource) setLastErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.done != nil {
		close(s.done)
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}

func (s *ffmpegSource) Pipeline() string { return s.command }

func (s *ffmpegSource) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
