package detect

import (
	"context"

	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/scene"
)

type mockDetector struct{}

// NewMockDetector reports a chair in the lower left of every frame and a
// person that the scene filter drops.
func NewMockDetector() Detector { return mockDetector{} }

func (mockDetector) Detect(ctx context.Context, frame camera.Frame) ([]scene.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := float64(frame.Width)
	h := float64(frame.Height)
	return []scene.Detection{
		{Label: "person", Confidence: 0.91, Box: scene.Box{Left: 0.45 * w, Top: 0.2 * h, Right: 0.55 * w, Bottom: 0.9 * h}},
		{Label: "chair", Confidence: 0.78, Box: scene.Box{Left: 0.1 * w, Top: 0.55 * h, Right: 0.25 * w, Bottom: 0.8 * h}},
	}, nil
}
