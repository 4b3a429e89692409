// internal/storage/jpeg.go
package storage

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/sua-org/gate-vision/internal/core"
)

// EncodeJPEG converts a packed BGR24 frame to JPEG bytes.
func EncodeJPEG(frame core.Frame) ([]byte, error) {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < frame.Size() {
		return nil, fmt.Errorf("invalid frame %dx%d (%d bytes)", frame.Width, frame.Height, len(frame.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			src := (y*frame.Width + x) * 3
			dst := img.PixOffset(x, y)
			img.Pix[dst+0] = frame.Data[src+2]
			img.Pix[dst+1] = frame.Data[src+1]
			img.Pix[dst+2] = frame.Data[src+0]
			img.Pix[dst+3] = 0xff
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
