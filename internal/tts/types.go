package tts

import "context"

// SynthRequest contains parameters to synthesize one utterance.
type SynthRequest struct {
	UtteranceID string
	Text        string
	Voice       string
	Rate        float64
}

// SynthChunk contains 16-bit little-endian PCM.
type SynthChunk struct {
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// QueueMode selects how a new utterance interacts with queued speech.
type QueueMode int

const (
	// FlushAndSpeak drops current and queued speech first.
	FlushAndSpeak QueueMode = iota
	// Enqueue appends after queued speech.
	Enqueue
)

func (m QueueMode) String() string {
	if m == Enqueue {
		return "enqueue"
	}
	return "flush"
}
