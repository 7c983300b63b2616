package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindGenerationFailure, "generate") != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestKindOfThroughFmtWrap(t *testing.T) {
	cause := errors.New("model crashed")
	err := fmt.Errorf("dispatch: %w", Wrap(cause, KindGenerationFailure, "generate"))

	if got := KindOf(err); got != KindGenerationFailure {
		t.Fatalf("expected generation_failure, got %q", got)
	}
	if !Is(err, KindGenerationFailure) {
		t.Fatal("expected Is to match")
	}
	if Is(err, KindSpeechUnavailable) {
		t.Fatal("unexpected speech_unavailable match")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause preserved in chain")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestIsNestedKinds(t *testing.T) {
	inner := Wrap(errors.New("device busy"), KindSpeechUnavailable, "speak")
	outer := Wrap(inner, KindInvariantViolation, "intro")
	if !Is(outer, KindSpeechUnavailable) {
		t.Fatal("expected inner kind to be found")
	}
	if KindOf(outer) != KindInvariantViolation {
		t.Fatal("expected outermost kind")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(errors.New("timeout"), KindTransientDetection, "detect")
	if err.Error() != "transient_detection: detect: timeout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
