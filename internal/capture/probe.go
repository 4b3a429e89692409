// internal/capture/probe.go
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// StreamInfo is the subset of ffprobe output we care about.
type StreamInfo struct {
	Width  int
	Height int
	Codec  string
	FPS    float64
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe inspects the stream with ffprobe and returns the first video
// stream's geometry. Callers fall back to 640x480 when probing fails.
func Probe(ctx context.Context, url string) (StreamInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", url, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe output: %w", err)
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := StreamInfo{
			Width:  s.Width,
			Height: s.Height,
			Codec:  s.CodecName,
			FPS:    parseFrameRate(s.RFrameRate),
		}
		if info.Width > 0 && info.Height > 0 {
			return info, nil
		}
	}
	return StreamInfo{}, fmt.Errorf("ffprobe %s: no video stream", url)
}

// parseFrameRate handles the "num/den" form ffprobe emits.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil && den != 0 {
			return num / den
		}
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
