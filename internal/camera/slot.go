package camera

import (
	"context"
	"sync"
)

// Slot holds at most one pending frame. A newer frame replaces the pending
// one so the consumer always analyzes the latest view.
type Slot struct {
	mu      sync.Mutex
	pending *Frame
	ready   chan struct{}
}

func NewSlot() *Slot {
	return &Slot{ready: make(chan struct{}, 1)}
}

// Put stores f and reports whether an unconsumed frame was replaced.
func (s *Slot) Put(f Frame) bool {
	s.mu.Lock()
	replaced := s.pending != nil
	s.pending = &f
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Take waits for the pending frame.
func (s *Slot) Take(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.pending != nil {
			f := *s.pending
			s.pending = nil
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.ready:
		}
	}
}
