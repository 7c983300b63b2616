// Package faults classifies pipeline failures so they can be absorbed at
// component boundaries and still be counted and journaled by kind.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindTransientDetection Kind = "transient_detection"
	KindGenerationFailure  Kind = "generation_failure"
	KindSpeechUnavailable  Kind = "speech_unavailable"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// KindOf reports the outermost Kind in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
