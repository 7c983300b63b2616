package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"testing"

	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/scene"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func solidFrame(seq int64, c color.Color, w, h int) camera.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return camera.Frame{Image: img, Width: w, Height: h, Seq: seq}
}

func halfFrame(seq int64, w, h int) camera.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if x < w/2 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return camera.Frame{Image: img, Width: w, Height: h, Seq: seq}
}

func TestMockDetectorFeedsFilter(t *testing.T) {
	frame := solidFrame(1, color.Black, 640, 480)
	dets, err := NewMockDetector().Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	sc := scene.Filter(dets, frame.Width, frame.Height)
	if sc.Fingerprint() != "chair_Left_Near" {
		t.Fatalf("unexpected fingerprint %q", sc.Fingerprint())
	}
}

func TestReuseSkipsSimilarFrames(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, f camera.Frame) ([]scene.Detection, error) {
		calls++
		return []scene.Detection{{Label: "door", Confidence: float64(calls) / 10}}, nil
	})
	r := NewReuse(inner, 0, newLogger())

	first, _ := r.Detect(context.Background(), halfFrame(1, 64, 64))
	second, _ := r.Detect(context.Background(), halfFrame(2, 64, 64))
	if calls != 1 || r.Hits() != 1 {
		t.Fatalf("expected one detector call and one reuse, got calls=%d hits=%d", calls, r.Hits())
	}
	if second[0].Confidence != first[0].Confidence {
		t.Fatal("expected reused detections")
	}

	second[0].Label = "mutated"
	third, _ := r.Detect(context.Background(), halfFrame(3, 64, 64))
	if third[0].Label != "door" {
		t.Fatal("expected reuse to hand out copies")
	}

	// Same content at a different size cannot share box coordinates.
	if _, err := r.Detect(context.Background(), halfFrame(4, 128, 128)); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected detector call for resized frame, got %d", calls)
	}
}

func TestReuseDoesNotCacheErrors(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, f camera.Frame) ([]scene.Detection, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("delegate busy")
		}
		return nil, nil
	})
	r := NewReuse(inner, 4, newLogger())
	if _, err := r.Detect(context.Background(), halfFrame(1, 32, 32)); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, err := r.Detect(context.Background(), halfFrame(2, 32, 32)); err != nil {
		t.Fatalf("expected retry to reach detector: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestWarmUpUsesSquareBlankFrame(t *testing.T) {
	var got camera.Frame
	det := Func(func(ctx context.Context, f camera.Frame) ([]scene.Detection, error) {
		got = f
		return nil, nil
	})
	if err := WarmUp(context.Background(), det, 640); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	if got.Width != 640 || got.Height != 640 || got.Image == nil {
		t.Fatalf("unexpected warm-up frame %+v", got)
	}

	failing := Func(func(context.Context, camera.Frame) ([]scene.Detection, error) {
		return nil, errors.New("model missing")
	})
	if err := WarmUp(context.Background(), failing, 0); !faults.Is(err, faults.KindTransientDetection) {
		t.Fatalf("expected transient detection, got %v", err)
	}
}

func TestTopN(t *testing.T) {
	dets := []scene.Detection{{Label: "a", Confidence: 0.1}, {Label: "b", Confidence: 0.9}, {Label: "c", Confidence: 0.5}}
	got := topN(dets, 2)
	if len(got) != 2 || got[0].Label != "b" || got[1].Label != "c" {
		t.Fatalf("unexpected top results %+v", got)
	}
}

func TestNewModes(t *testing.T) {
	cfg := config.Default().Detector
	cfg.ReuseSimilarFrames = true
	det, err := New(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := det.(*Reuse); !ok {
		t.Fatalf("expected reuse wrapper, got %T", det)
	}
	cfg.Mode = "exec"
	if _, err := New(cfg, newLogger()); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}
