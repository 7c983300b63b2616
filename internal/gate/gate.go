// Package gate decides when a scene may be narrated. It combines a
// repetition gate (suppress identical scenes inside MinSpeakGap) with a
// generation gate (readiness, speech activity, cooldowns and the single
// outstanding request).
package gate

import (
	"sync"
	"time"

	"github.com/stepsage/stepsage-core/internal/scene"
)

type Config struct {
	MinSpeakGap    time.Duration
	PromptInterval time.Duration
}

// State is the narration bookkeeping shared by the pipeline.
type State struct {
	LastFingerprint           scene.Fingerprint
	LastSpokenAt              time.Time
	LastGenerationRequestedAt time.Time
	NextSpeechAllowedAt       time.Time
	OutstandingRequest        bool
}

// Readiness flags only ever move from false to true.
type Readiness struct {
	IntroFinished   bool
	GenerationReady bool
}

type Reason string

const (
	ReasonEmptyScene     Reason = "empty_scene"
	ReasonRepeat         Reason = "repeat"
	ReasonNotReady       Reason = "not_ready"
	ReasonIntroPending   Reason = "intro_pending"
	ReasonSpeaking       Reason = "speaking"
	ReasonCooldown       Reason = "cooldown"
	ReasonPromptInterval Reason = "prompt_interval"
	ReasonOutstanding    Reason = "outstanding"
	ReasonAuthorized     Reason = "authorized"
)

// Decision is the outcome of one evaluation. Admitted reports the
// repetition gate; Permit is non-nil only when generation is authorized.
type Decision struct {
	Admitted bool
	Permit   *Permit
	Reason   Reason
}

func (d Decision) Authorized() bool {
	return d.Permit != nil
}

type Gate struct {
	mu    sync.Mutex
	cfg   Config
	clock func() time.Time
	state State
	ready Readiness
}

func New(cfg Config, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{cfg: cfg, clock: clock}
}

// Now exposes the gate clock so collaborators share one time source.
func (g *Gate) Now() time.Time {
	return g.clock()
}

// Evaluate runs both gates for fp. speaking is the speech service state
// sampled by the caller.
func (g *Gate) Evaluate(fp scene.Fingerprint, speaking bool) Decision {
	if fp == scene.EmptyFingerprint {
		return Decision{Reason: ReasonEmptyScene}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	s := &g.state
	if fp == s.LastFingerprint && now.Sub(s.LastSpokenAt) < g.cfg.MinSpeakGap {
		return Decision{Reason: ReasonRepeat}
	}
	// An admitted scene counts as spoken even if generation stays closed
	// below, so a repeat of it is suppressed for MinSpeakGap.
	s.LastFingerprint = fp
	s.LastSpokenAt = now

	reason := g.generationBlockedLocked(now, speaking)
	if reason != "" {
		return Decision{Admitted: true, Reason: reason}
	}

	s.LastGenerationRequestedAt = now
	s.OutstandingRequest = true
	return Decision{
		Admitted: true,
		Permit:   &Permit{gate: g, IssuedAt: now},
		Reason:   ReasonAuthorized,
	}
}

func (g *Gate) generationBlockedLocked(now time.Time, speaking bool) Reason {
	s := &g.state
	switch {
	case !g.ready.GenerationReady:
		return ReasonNotReady
	case !g.ready.IntroFinished:
		return ReasonIntroPending
	case speaking:
		return ReasonSpeaking
	case now.Before(s.NextSpeechAllowedAt):
		return ReasonCooldown
	case now.Sub(s.LastGenerationRequestedAt) < g.cfg.PromptInterval:
		return ReasonPromptInterval
	case s.OutstandingRequest:
		return ReasonOutstanding
	}
	return ""
}

// HoldUntil delays the next generation until t. It never shortens an
// existing hold.
func (g *Gate) HoldUntil(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.After(g.state.NextSpeechAllowedAt) {
		g.state.NextSpeechAllowedAt = t
	}
}

// HoldFor is HoldUntil relative to the gate clock.
func (g *Gate) HoldFor(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.clock().Add(d)
	if t.After(g.state.NextSpeechAllowedAt) {
		g.state.NextSpeechAllowedAt = t
	}
}

func (g *Gate) SetIntroFinished() {
	g.mu.Lock()
	g.ready.IntroFinished = true
	g.mu.Unlock()
}

func (g *Gate) SetGenerationReady() {
	g.mu.Lock()
	g.ready.GenerationReady = true
	g.mu.Unlock()
}

func (g *Gate) Readiness() Readiness {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) release() {
	g.mu.Lock()
	g.state.OutstandingRequest = false
	g.mu.Unlock()
}

// Permit is the token for the single outstanding generation request.
type Permit struct {
	gate     *Gate
	once     sync.Once
	IssuedAt time.Time
}

// Release clears the outstanding request. Only the first call has effect.
func (p *Permit) Release() {
	if p == nil || p.gate == nil {
		return
	}
	p.once.Do(p.gate.release)
}
