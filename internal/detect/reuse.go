package detect

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corona10/goimagehash"
	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/scene"
)

// Reuse skips the wrapped detector when a frame is perceptually close to
// the last analyzed one and returns the previous detections instead.
type Reuse struct {
	inner       Detector
	maxDistance int
	logger      *slog.Logger

	mu       sync.Mutex
	lastHash *goimagehash.ImageHash
	lastDets []scene.Detection
	lastW    int
	lastH    int
	hits     int
}

func NewReuse(inner Detector, maxDistance int, log *slog.Logger) *Reuse {
	return &Reuse{inner: inner, maxDistance: maxDistance, logger: log.With(slog.String("component", "detect-reuse"))}
}

func (r *Reuse) Detect(ctx context.Context, frame camera.Frame) ([]scene.Detection, error) {
	var hash *goimagehash.ImageHash
	if frame.Image != nil {
		if h, err := goimagehash.PerceptionHash(frame.Image); err == nil {
			hash = h
		}
	}

	if hash != nil {
		r.mu.Lock()
		if r.lastHash != nil && r.lastW == frame.Width && r.lastH == frame.Height {
			if dist, err := r.lastHash.Distance(hash); err == nil && dist <= r.maxDistance {
				dets := append([]scene.Detection(nil), r.lastDets...)
				r.hits++
				r.mu.Unlock()
				r.logger.Debug("reusing detections for similar frame", slog.Int("distance", dist), slog.Int64("seq", frame.Seq))
				return dets, nil
			}
		}
		r.mu.Unlock()
	}

	dets, err := r.inner.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.lastHash = hash
	r.lastDets = append([]scene.Detection(nil), dets...)
	r.lastW, r.lastH = frame.Width, frame.Height
	r.mu.Unlock()
	return dets, nil
}

// Hits reports how many frames were answered from the previous result.
func (r *Reuse) Hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}
