// Package intro speaks the fixed greeting and unlocks narration once the
// last line has played.
package intro

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/tts"
)

type Speaker interface {
	Speak(id, text string, mode tts.QueueMode) error
}

type Gate interface {
	SetIntroFinished()
	HoldFor(d time.Duration)
}

type Phase int

const (
	NotStarted Phase = iota
	Speaking
	Finished
)

func (p Phase) String() string {
	switch p {
	case Speaking:
		return "speaking"
	case Finished:
		return "finished"
	default:
		return "not_started"
	}
}

// State reports progress; Spoken counts completed lines.
type State struct {
	Phase  Phase
	Spoken int
	Total  int
}

type Sequencer struct {
	lines     []string
	speaker   Speaker
	gate      Gate
	postDelay time.Duration
	hold      time.Duration
	dismiss   func()
	logger    *slog.Logger
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu     sync.Mutex
	phase  Phase
	spoken int
	timer  *time.Timer
}

// New builds a sequencer. dismiss is invoked hold after the final line
// completes.
func New(lines []string, speaker Speaker, gate Gate, postDelay, hold time.Duration, dismiss func(), log *slog.Logger) *Sequencer {
	return &Sequencer{
		lines:     append([]string(nil), lines...),
		speaker:   speaker,
		gate:      gate,
		postDelay: postDelay,
		hold:      hold,
		dismiss:   dismiss,
		logger:    log.With(slog.String("component", "intro")),
		afterFunc: time.AfterFunc,
	}
}

func lineID(n int) string {
	return fmt.Sprintf("intro%d", n)
}

// Start queues every line: the first flushes, the rest enqueue. If speech
// is unavailable the intro is skipped so narration is not blocked forever.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	if s.phase != NotStarted {
		s.mu.Unlock()
		return nil
	}
	s.phase = Speaking
	s.mu.Unlock()

	for i, line := range s.lines {
		mode := tts.Enqueue
		if i == 0 {
			mode = tts.FlushAndSpeak
		}
		if err := s.speaker.Speak(lineID(i+1), line, mode); err != nil {
			s.logger.Warn("intro could not be spoken, skipping", slog.String("error", err.Error()))
			s.mu.Lock()
			s.finishLocked()
			s.mu.Unlock()
			return faults.Wrap(err, faults.KindSpeechUnavailable, "intro")
		}
	}
	if len(s.lines) == 0 {
		s.mu.Lock()
		s.finishLocked()
		s.mu.Unlock()
	}
	s.logger.Info("intro started", slog.Int("lines", len(s.lines)))
	return nil
}

// HandleDone advances on completion of the next expected line.
func (s *Sequencer) HandleDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Speaking {
		return
	}
	if id != lineID(s.spoken+1) {
		return
	}
	s.spoken++
	s.logger.Debug("intro line done", slog.String("utterance_id", id))
	if s.spoken == len(s.lines) {
		s.finishLocked()
	}
}

func (s *Sequencer) finishLocked() {
	if s.phase == Finished {
		return
	}
	s.phase = Finished
	s.gate.SetIntroFinished()
	s.gate.HoldFor(s.postDelay)
	if s.dismiss != nil {
		s.timer = s.afterFunc(s.hold, s.dismiss)
	}
	s.logger.Info("intro finished")
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Phase: s.phase, Spoken: s.spoken, Total: len(s.lines)}
}

// Stop cancels a pending splash dismissal.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
