package faults

import (
	"log/slog"
)

// Reporter receives invariant violations in release builds.
type Reporter func(err error)

// Assert checks an internal invariant. Debug builds (-tags stepsage_debug)
// panic; release builds log the violation, hand it to report and return
// false so the caller can apply its correction.
func Assert(cond bool, op string, log *slog.Logger, report Reporter) bool {
	if cond {
		return true
	}
	err := New(KindInvariantViolation, op)
	if panicOnViolation {
		panic(err)
	}
	if log != nil {
		log.Error("invariant violated", slog.String("op", op))
	}
	if report != nil {
		report(err)
	}
	return false
}
