// Package utterance assembles streamed generation fragments into complete
// sentences for speech.
package utterance

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stepsage/stepsage-core/internal/tts"
)

// Speaker is the part of the speech service the assembler drives.
type Speaker interface {
	Speak(id, text string, mode tts.QueueMode) error
	IsSpeaking() bool
}

// Holder delays the next generation after speech is queued.
type Holder interface {
	HoldFor(d time.Duration)
}

type Assembler struct {
	speaker Speaker
	hold    Holder
	delay   time.Duration
	logger  *slog.Logger
	report  func(err error)
	newID   func() string

	mu  sync.Mutex
	buf strings.Builder
}

// New returns an assembler that holds narration for delay after every
// emitted sentence. report, when set, receives speech failures.
func New(speaker Speaker, hold Holder, delay time.Duration, log *slog.Logger, report func(error)) *Assembler {
	return &Assembler{
		speaker: speaker,
		hold:    hold,
		delay:   delay,
		logger:  log.With(slog.String("component", "assembler")),
		report:  report,
		newID:   func() string { return "narration-" + uuid.NewString() },
	}
}

// Feed appends fragment. When the fragment ends a sentence the whole buffer
// is spoken and cleared; the spoken text is returned.
func (a *Assembler) Feed(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}

	a.mu.Lock()
	a.buf.WriteString(fragment)
	if !endsSentence(fragment) {
		a.mu.Unlock()
		return "", false
	}
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	a.mu.Unlock()

	if text == "" {
		return "", false
	}

	mode := tts.FlushAndSpeak
	if a.speaker.IsSpeaking() {
		mode = tts.Enqueue
	}
	id := a.newID()
	if err := a.speaker.Speak(id, text, mode); err != nil {
		a.logger.Warn("failed to queue utterance", slog.String("utterance_id", id), slog.String("error", err.Error()))
		if a.report != nil {
			a.report(err)
		}
	} else {
		a.logger.Debug("utterance queued", slog.String("utterance_id", id), slog.String("mode", mode.String()))
	}
	a.hold.HoldFor(a.delay)
	return text, true
}

// Reset drops any unterminated trailing text.
func (a *Assembler) Reset() {
	a.mu.Lock()
	dropped := a.buf.Len()
	a.buf.Reset()
	a.mu.Unlock()
	if dropped > 0 {
		a.logger.Debug("dropped partial sentence", slog.Int("bytes", dropped))
	}
}

// Pending returns the buffered, not yet spoken text.
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

func endsSentence(fragment string) bool {
	last := fragment[len(fragment)-1]
	return last == '.' || last == '!'
}
