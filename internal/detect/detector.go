// Package detect adapts object detection backends to the scene filter.
package detect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sort"

	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/scene"
)

// Detector returns raw labelled boxes in frame pixel coordinates.
type Detector interface {
	Detect(ctx context.Context, frame camera.Frame) ([]scene.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame camera.Frame) ([]scene.Detection, error)

func (f Func) Detect(ctx context.Context, frame camera.Frame) ([]scene.Detection, error) {
	return f(ctx, frame)
}

// New builds the backend selected by cfg.Mode, wrapped in Reuse when
// similar-frame reuse is enabled.
func New(cfg config.DetectorConfig, log *slog.Logger) (Detector, error) {
	var det Detector
	switch cfg.Mode {
	case "", "mock":
		det = NewMockDetector()
	case "exec":
		d, err := NewExecDetector(cfg.Command, cfg.MaxResults)
		if err != nil {
			return nil, err
		}
		det = d
	default:
		return nil, fmt.Errorf("unknown detector mode %q", cfg.Mode)
	}
	if cfg.ReuseSimilarFrames {
		det = NewReuse(det, cfg.MaxHashDistance, log)
	}
	return det, nil
}

// WarmUp runs one detection on a blank side×side frame so model loading
// happens before the first real frame.
func WarmUp(ctx context.Context, det Detector, side int) error {
	if side <= 0 {
		side = 640
	}
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(color.Opaque.A >> 8)
	}
	_, err := det.Detect(ctx, camera.Frame{Image: img, Width: side, Height: side})
	if err != nil {
		return faults.Wrap(err, faults.KindTransientDetection, "warm-up")
	}
	return nil
}

// topN keeps the n most confident detections. n <= 0 keeps all.
func topN(dets []scene.Detection, n int) []scene.Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })
	if n > 0 && len(dets) > n {
		dets = dets[:n]
	}
	return dets
}
