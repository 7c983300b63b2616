// Package dispatch runs at most one generation request at a time and feeds
// its streamed output into the utterance assembler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/llm"
	"github.com/stepsage/stepsage-core/internal/protocol"
	"github.com/stepsage/stepsage-core/internal/scene"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Assembler receives generated fragments.
type Assembler interface {
	Feed(fragment string) (string, bool)
	Reset()
}

// Reporter receives absorbed failures with the request trace id.
type Reporter func(traceID string, err error)

type Dispatcher struct {
	gen     llm.Generator
	asm     Assembler
	bus     *bus.Client
	cfg     config.LLMConfig
	timeout time.Duration
	logger  *slog.Logger
	report  Reporter
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	busy bool

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// New returns a dispatcher whose requests are cancelled when parent is.
// timeout bounds each request; zero disables the watchdog.
func New(parent context.Context, gen llm.Generator, asm Assembler, busClient *bus.Client, cfg config.LLMConfig, timeout time.Duration, log *slog.Logger, report Reporter) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		gen:     gen,
		asm:     asm,
		bus:     busClient,
		cfg:     cfg,
		timeout: timeout,
		logger:  log.With(slog.String("component", "dispatcher")),
		report:  report,
		clock:   time.Now,
		ctx:     ctx,
		cancel:  cancel,
		tracer:  otel.Tracer("github.com/stepsage/stepsage-core/dispatch"),
	}
	meter := otel.Meter("github.com/stepsage/stepsage-core/dispatch")
	d.requests, _ = meter.Int64Counter("stepsage.generation.requests", metric.WithDescription("Generation requests issued"))
	d.failures, _ = meter.Int64Counter("stepsage.generation.failures", metric.WithDescription("Generation requests that ended in error"))
	d.latency, _ = meter.Float64Histogram("stepsage.generation.duration", metric.WithUnit("s"), metric.WithDescription("Time from request to terminal signal"))
	return d
}

// Dispatch starts a generation for sc under permit. It returns false
// without side effects when a request is already running; the gate never
// issues a second permit in that state so it indicates a bug.
func (d *Dispatcher) Dispatch(permit *gate.Permit, sc scene.Scene) bool {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		faults.Assert(false, "dispatch while a generation is outstanding", d.logger, func(err error) {
			if d.report != nil {
				d.report("", err)
			}
		})
		return false
	}
	d.busy = true
	d.mu.Unlock()

	requestID := uuid.NewString()
	prompt, err := BuildPrompt(sc)
	if err != nil {
		d.finish(permit, requestID, faults.Wrap(err, faults.KindGenerationFailure, "build prompt"))
		return false
	}
	req := llm.RequestFromConfig(d.cfg, prompt)
	req.RequestID = requestID

	d.publishScene(requestID, sc)

	d.wg.Add(1)
	go d.run(permit, req)
	return true
}

func (d *Dispatcher) run(permit *gate.Permit, req llm.Request) {
	defer d.wg.Done()

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := d.tracer.Start(ctx, "narration.generate", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("llm.max_tokens", req.MaxTokens),
	))
	defer span.End()
	req.TraceID = span.SpanContext().TraceID().String()

	start := d.clock()
	d.requests.Add(ctx, 1)
	fragments := 0
	err := d.generate(ctx, req, func(c llm.Chunk) error {
		if c.Content != "" {
			fragments++
			d.asm.Feed(c.Content)
		}
		return nil
	})
	d.latency.Record(context.Background(), d.clock().Sub(start).Seconds())
	span.SetAttributes(attribute.Int("llm.fragments", fragments))

	switch {
	case err == nil:
		d.logger.Debug("generation finished", slog.String("request_id", req.RequestID), slog.Int("fragments", fragments))
	case d.ctx.Err() != nil:
		d.logger.Debug("generation cancelled", slog.String("request_id", req.RequestID))
		err = nil
	case errors.Is(err, context.DeadlineExceeded):
		err = faults.Wrap(fmt.Errorf("watchdog expired after %s: %w", d.timeout, err), faults.KindGenerationFailure, "generate")
	default:
		err = faults.Wrap(err, faults.KindGenerationFailure, "generate")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
	}
	d.finish(permit, req.TraceID, err)
}

// generate converts a generator panic into an error so the terminal path
// always runs.
func (d *Dispatcher) generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return d.gen.Generate(ctx, req, consumer)
}

func (d *Dispatcher) finish(permit *gate.Permit, traceID string, err error) {
	d.asm.Reset()
	if err != nil {
		d.failures.Add(context.Background(), 1)
		d.logger.Warn("generation failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
		if d.report != nil {
			d.report(traceID, err)
		}
	}
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
	permit.Release()
}

func (d *Dispatcher) publishScene(requestID string, sc scene.Scene) {
	objects := make([]protocol.SceneObject, len(sc.Objects))
	for i, o := range sc.Objects {
		objects[i] = protocol.SceneObject{
			Label:      o.Label,
			Direction:  o.Direction.String(),
			Proximity:  o.Proximity.String(),
			Confidence: o.Confidence,
		}
	}
	evt := protocol.SceneEvent{
		RequestID:   requestID,
		Fingerprint: string(sc.Fingerprint()),
		Objects:     objects,
		Timestamp:   d.clock().UTC(),
	}
	if err := d.bus.PublishJSON(protocol.SubjectScene, evt); err != nil {
		d.logger.Warn("failed to publish scene", slog.String("error", err.Error()))
	}
}

// Busy reports whether a request is outstanding.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// WarmUp primes the generator and calls ready once it answered.
func (d *Dispatcher) WarmUp(ctx context.Context, ready func()) error {
	if err := llm.WarmUp(ctx, d.gen, d.cfg, d.logger); err != nil {
		return faults.Wrap(err, faults.KindGenerationFailure, "warm-up")
	}
	ready()
	return nil
}

// Wait blocks until the running request, if any, has terminated.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
