package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/detect"
	"github.com/stepsage/stepsage-core/internal/dispatch"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/intro"
	"github.com/stepsage/stepsage-core/internal/journal"
	"github.com/stepsage/stepsage-core/internal/llm"
	"github.com/stepsage/stepsage-core/internal/narrator"
	"github.com/stepsage/stepsage-core/internal/natsserver"
	"github.com/stepsage/stepsage-core/internal/presence"
	"github.com/stepsage/stepsage-core/internal/protocol"
	"github.com/stepsage/stepsage-core/internal/tts"
	"github.com/stepsage/stepsage-core/internal/uihub"
	"github.com/stepsage/stepsage-core/internal/utterance"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	wg          sync.WaitGroup

	started chan struct{}
	addr    string

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	journal  *journal.Journal
	gate     *gate.Gate
	speaker  *tts.Speaker
	disp     *dispatch.Dispatcher
	intro    *intro.Sequencer
	hub      *uihub.Hub
	presence *presence.Registry
	analyzer *narrator.Analyzer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once every component is wired and the HTTP listener
// is bound.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Addr returns the bound HTTP address. Valid after Started is closed.
func (r *Runtime) Addr() string {
	return r.addr
}

// Readiness returns the narration readiness flags. Valid after Started is
// closed.
func (r *Runtime) Readiness() gate.Readiness {
	return r.gate.Readiness()
}

// Start wires the pipeline and blocks until ctx is cancelled or the frame
// source fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	src, det, gen, synth, err := r.backends()
	if err != nil {
		return err
	}

	narration := r.cfg.Narration
	r.gate = gate.New(gate.Config{
		MinSpeakGap:    narration.MinSpeakGap(),
		PromptInterval: narration.PromptInterval(),
	}, time.Now)

	r.speaker = tts.NewSpeaker(ctx, r.cfg.TTS, r.bus, synth, r.logger)
	r.speaker.OnError(func(id string, err error) {
		r.record("speaker", id, err)
	})

	asm := utterance.New(r.speaker, r.gate, narration.PostTTSDelay(), r.logger, r.reporter("assembler"))
	r.disp = dispatch.New(ctx, gen, asm, r.bus, r.cfg.LLM, narration.GenerationTimeout(), r.logger,
		func(traceID string, err error) { r.record("dispatcher", traceID, err) })

	if r.cfg.UI.Enabled {
		r.hub = uihub.New(r.logger)
		if err := r.hub.ForwardCaptions(r.bus); err != nil {
			return fmt.Errorf("failed to forward captions: %w", err)
		}
	}

	r.intro = intro.New(r.cfg.Intro.Lines, r.speaker, r.gate, narration.PostTTSDelay(),
		time.Duration(r.cfg.Intro.HoldMS)*time.Millisecond, r.dismissSplash, r.logger)
	r.speaker.OnDone(r.intro.HandleDone)

	r.analyzer = narrator.New(r.gate, det, r.speaker, r.disp, r.logger, r.reporter("analyzer"))

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.gate.Readiness, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}

	if err := r.startHTTP(metricsHandler); err != nil {
		return err
	}

	if err := r.speaker.Start(); err != nil {
		return fmt.Errorf("failed to start speaker: %w", err)
	}
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", r.addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.intro.Start(); err != nil {
			r.logger.Warn("intro skipped", slog.String("error", err.Error()))
			r.record("intro", "", err)
		}
		return nil
	})
	g.Go(func() error {
		if !r.cfg.Detector.Warmup {
			return nil
		}
		if err := detect.WarmUp(gctx, det, r.cfg.Detector.InputSide); err != nil {
			r.logger.Warn("detector warm-up failed", slog.String("error", err.Error()))
			r.record("detector", "", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.disp.WarmUp(gctx, r.gate.SetGenerationReady); err != nil {
			if gctx.Err() == nil {
				r.logger.Error("generator warm-up failed", slog.String("error", err.Error()))
				r.record("dispatcher", "", err)
			}
			return nil
		}
		r.logger.Info("generator ready", slog.String("model", r.cfg.LLM.Model))
		return nil
	})
	g.Go(func() error {
		return r.analyzer.Run(gctx, src)
	})
	err = g.Wait()
	r.logger.Info("runtime stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	return nil
}

func (r *Runtime) backends() (camera.Source, detect.Detector, llm.Generator, tts.Synthesizer, error) {
	src, err := camera.New(r.cfg.Camera, r.bus, r.logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create frame source: %w", err)
	}
	det, err := detect.New(r.cfg.Detector, r.logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create detector: %w", err)
	}
	gen, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create generator: %w", err)
	}
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	return src, det, gen, synth, nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.hub != nil {
		mux.Handle("/ws", r.hub)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.addr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// shutdown stops components in reverse dependency order. Components that
// were never created are skipped.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.disp != nil {
		r.disp.Close()
	}
	if r.intro != nil {
		r.intro.Stop()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) dismissSplash() {
	if r.hub != nil {
		r.hub.DismissSplash()
	}
	evt := protocol.UIEvent{Type: protocol.UIEventSplashDismiss, Timestamp: time.Now().UTC()}
	if err := r.bus.PublishJSON(protocol.SubjectUIEvent, evt); err != nil {
		r.logger.Warn("failed to publish splash dismissal", slog.String("error", err.Error()))
	}
}

func (r *Runtime) record(component, traceID string, err error) {
	if err := r.journal.Record(context.Background(), component, traceID, err); err != nil {
		r.logger.Warn("failed to record fault", slog.String("component", component), slog.String("error", err.Error()))
	}
}

func (r *Runtime) reporter(component string) func(error) {
	return func(err error) { r.record(component, "", err) }
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the intro finished and the generator
// answered its warm-up request.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.gate != nil {
		if ready := r.gate.Readiness(); ready.IntroFinished && ready.GenerationReady {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
