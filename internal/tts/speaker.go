package tts

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable is returned by Speak before Start or after Close.
var ErrUnavailable = errors.New("speech service not running")

type utterance struct {
	id     string
	text   string
	mode   QueueMode
	ctx    context.Context
	cancel context.CancelFunc
}

// Speaker owns the utterance queue. One goroutine synthesizes, publishes and
// paces playback, so an utterance counts as speaking until its audio would
// have finished playing.
type Speaker struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	logger *slog.Logger
	pace   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	queue   []*utterance
	current *utterance
	doneFns []func(id string)
	errFns  []func(id string, err error)

	spoken metric.Int64Counter
	failed metric.Int64Counter
}

func NewSpeaker(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	s := &Speaker{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		logger: log.With(slog.String("component", "speaker")),
		pace:   sleepContext,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	meter := otel.Meter("github.com/stepsage/stepsage-core/tts")
	s.spoken, _ = meter.Int64Counter("stepsage.tts.utterances", metric.WithDescription("Utterances spoken to completion"))
	s.failed, _ = meter.Int64Counter("stepsage.tts.failures", metric.WithDescription("Utterances that failed to synthesize"))
	return s
}

func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	if s.started {
		return nil
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("speaker started", slog.String("voice", s.cfg.Voice), slog.Float64("rate", s.cfg.Rate))
	return nil
}

func (s *Speaker) Close() {
	s.mu.Lock()
	s.closed = true
	for _, u := range s.queue {
		u.cancel()
	}
	s.queue = nil
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Speaker) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// OnDone registers fn for utterances that finished playing. Utterances
// dropped by a flush never report.
func (s *Speaker) OnDone(fn func(id string)) {
	s.mu.Lock()
	s.doneFns = append(s.doneFns, fn)
	s.mu.Unlock()
}

// OnError registers fn for utterances whose synthesis failed. Done
// listeners still fire for them afterwards.
func (s *Speaker) OnError(fn func(id string, err error)) {
	s.mu.Lock()
	s.errFns = append(s.errFns, fn)
	s.mu.Unlock()
}

// IsSpeaking reports whether an utterance is playing or waiting to play.
func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil || len(s.queue) > 0
}

func (s *Speaker) Speak(id, text string, mode QueueMode) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return faults.Wrap(ErrUnavailable, faults.KindSpeechUnavailable, "speak")
	}
	if mode == FlushAndSpeak {
		for _, u := range s.queue {
			u.cancel()
		}
		s.queue = nil
		if s.current != nil {
			s.current.cancel()
		}
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.queue = append(s.queue, &utterance{id: id, text: text, mode: mode, ctx: ctx, cancel: cancel})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Speaker) loop() {
	defer s.wg.Done()
	for {
		u := s.next()
		if u == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.play(u)
	}
}

func (s *Speaker) next() *utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	u := s.queue[0]
	s.queue = s.queue[1:]
	s.current = u
	return u
}

func (s *Speaker) play(u *utterance) {
	err := s.render(u)
	interrupted := u.ctx.Err() != nil
	u.cancel()

	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	doneFns := append([]func(string){}, s.doneFns...)
	errFns := append([]func(string, error){}, s.errFns...)
	s.mu.Unlock()

	if interrupted {
		s.logger.Debug("utterance interrupted", slog.String("utterance_id", u.id))
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", u.mode.String()))
	if err != nil {
		s.failed.Add(context.Background(), 1, attrs)
		s.logger.Warn("speech synthesis failed", slog.String("utterance_id", u.id), slogError(err))
		wrapped := faults.Wrap(err, faults.KindSpeechUnavailable, "synthesize")
		for _, fn := range errFns {
			fn(u.id, wrapped)
		}
	} else {
		s.spoken.Add(context.Background(), 1, attrs)
	}

	if pubErr := s.bus.PublishJSON(protocol.SubjectTTSDone, protocol.TTSDone{UtteranceID: u.id, Timestamp: time.Now().UTC()}); pubErr != nil {
		s.logger.Warn("failed to publish tts done", slogError(pubErr))
	}
	for _, fn := range doneFns {
		fn(u.id)
	}
}

func (s *Speaker) render(u *utterance) error {
	if err := s.bus.PublishJSON(protocol.SubjectUtterance, protocol.Utterance{
		ID:        u.id,
		Text:      u.text,
		Mode:      u.mode.String(),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish utterance", slogError(err))
	}

	chunks, errs := s.synth.Synthesize(u.ctx, SynthRequest{
		UtteranceID: u.id,
		Text:        u.text,
		Voice:       s.cfg.Voice,
		Rate:        s.cfg.Rate,
	})

	sampleRate, channels := s.cfg.SampleRate, s.cfg.Channels
	var pcm []byte
	first := true
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
			s.publishChunk(u, chunk, first)
			first = false
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-u.ctx.Done():
			return u.ctx.Err()
		}
	}

	if s.cfg.DumpDir != "" && len(pcm) > 0 {
		path := filepath.Join(s.cfg.DumpDir, u.id+".wav")
		if err := writePCMToWav(path, pcm, sampleRate, channels); err != nil {
			s.logger.Warn("failed to dump utterance audio", slog.String("path", path), slogError(err))
		}
	}
	return s.pace(u.ctx, playbackDuration(len(pcm), sampleRate, channels))
}

func (s *Speaker) publishChunk(u *utterance, chunk SynthChunk, first bool) {
	packet := protocol.TTSAudioChunk{
		UtteranceID: u.id,
		Sequence:    chunk.Sequence,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
		Flush:       first && u.mode == FlushAndSpeak,
	}
	subject := s.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectTTSAudio
	}
	if err := s.bus.PublishJSON(subject, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func playbackDuration(bytes, sampleRate, channels int) time.Duration {
	if bytes <= 0 || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(int64(bytes) * int64(time.Second) / int64(sampleRate*channels*2))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
