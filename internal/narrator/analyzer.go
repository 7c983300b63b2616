// Package narrator runs the frame analysis loop: one frame in flight,
// detection, scene filtering, gating and dispatch of narration.
package narrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/detect"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/scene"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

type Speech interface {
	IsSpeaking() bool
}

type Dispatcher interface {
	Dispatch(permit *gate.Permit, sc scene.Scene) bool
}

// Outcome names what happened to one frame.
type Outcome string

const (
	OutcomeIntroPending Outcome = "intro_pending"
	OutcomeDetectFailed Outcome = "detect_failed"
	OutcomeEmpty        Outcome = "empty_scene"
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeRefused      Outcome = "dispatch_refused"
)

type Analyzer struct {
	gate     *gate.Gate
	detector detect.Detector
	speech   Speech
	dispatch Dispatcher
	logger   *slog.Logger
	report   func(err error)

	analyzed atomic.Int64
	dropped  atomic.Int64

	frames   metric.Int64Counter
	replaced metric.Int64Counter
}

// New wires an analyzer. report receives absorbed failures.
func New(g *gate.Gate, det detect.Detector, speech Speech, disp Dispatcher, log *slog.Logger, report func(error)) *Analyzer {
	a := &Analyzer{
		gate:     g,
		detector: det,
		speech:   speech,
		dispatch: disp,
		logger:   log.With(slog.String("component", "analyzer")),
		report:   report,
	}
	meter := otel.Meter("github.com/stepsage/stepsage-core/narrator")
	a.frames, _ = meter.Int64Counter("stepsage.frames.analyzed", metric.WithDescription("Frames analyzed by outcome"))
	a.replaced, _ = meter.Int64Counter("stepsage.frames.replaced", metric.WithDescription("Frames replaced before analysis"))
	return a
}

// Analyze processes one frame. Failures are absorbed here and never reach
// the caller.
func (a *Analyzer) Analyze(ctx context.Context, frame camera.Frame) Outcome {
	outcome := a.analyze(ctx, frame)
	a.analyzed.Add(1)
	a.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome
}

func (a *Analyzer) analyze(ctx context.Context, frame camera.Frame) Outcome {
	if !a.gate.Readiness().IntroFinished {
		return OutcomeIntroPending
	}

	dets, err := a.detect(ctx, frame)
	if err != nil {
		err = faults.Wrap(err, faults.KindTransientDetection, "detect")
		a.logger.Debug("detection failed", slog.Int64("seq", frame.Seq), slog.String("error", err.Error()))
		if a.report != nil {
			a.report(err)
		}
		return OutcomeDetectFailed
	}

	sc := scene.Filter(dets, frame.Width, frame.Height)
	if sc.Empty() {
		return OutcomeEmpty
	}

	fp := sc.Fingerprint()
	decision := a.gate.Evaluate(fp, a.speech.IsSpeaking())
	if !decision.Authorized() {
		return Outcome(decision.Reason)
	}
	if !a.dispatch.Dispatch(decision.Permit, sc) {
		return OutcomeRefused
	}
	a.logger.Debug("narration dispatched", slog.String("fingerprint", string(fp)), slog.Int64("seq", frame.Seq))
	return OutcomeDispatched
}

func (a *Analyzer) detect(ctx context.Context, frame camera.Frame) (dets []scene.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return a.detector.Detect(ctx, frame)
}

// Run feeds frames from src through a keep-latest slot into Analyze until
// ctx is done or the source fails.
func (a *Analyzer) Run(ctx context.Context, src camera.Source) error {
	slot := camera.NewSlot()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := src.Run(ctx, func(f camera.Frame) {
			if slot.Put(f) {
				a.dropped.Add(1)
				a.replaced.Add(ctx, 1)
			}
		})
		if err != nil {
			return fmt.Errorf("frame source: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			frame, err := slot.Take(ctx)
			if err != nil {
				return nil
			}
			a.Analyze(ctx, frame)
		}
	})

	return g.Wait()
}

// Stats returns analyzed and replaced frame counts.
func (a *Analyzer) Stats() (analyzed, replaced int64) {
	return a.analyzed.Load(), a.dropped.Load()
}
