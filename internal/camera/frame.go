// Package camera delivers decoded frames from an edge camera to the
// analyzer.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"
)

// Frame is one decoded still.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	Seq        int64
	CapturedAt time.Time
}

// Source produces frames until ctx is done. deliver must not block.
type Source interface {
	Run(ctx context.Context, deliver func(Frame)) error
}

// Decode turns an encoded JPEG or PNG into a Frame.
func Decode(data []byte, seq int64, capturedAt time.Time) (Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %d: %w", seq, err)
	}
	b := img.Bounds()
	return Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Seq:        seq,
		CapturedAt: capturedAt,
	}, nil
}
