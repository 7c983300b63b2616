package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perWord    time.Duration
}

// NewMockSynth returns silence sized to the utterance so playback pacing
// behaves like a real voice.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perWord: 300 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}

		rate := req.Rate
		if rate <= 0 {
			rate = 1
		}
		words := len(strings.Fields(req.Text))
		duration := time.Duration(float64(time.Duration(words)*m.perWord) / rate)
		samples := int(int64(duration) * int64(m.sampleRate) / int64(time.Second))
		chunks <- SynthChunk{
			UtteranceID: req.UtteranceID,
			Sequence:    0,
			SampleRate:  m.sampleRate,
			Channels:    m.channels,
			PCM:         make([]byte, samples*m.channels*2),
			Final:       true,
		}
	}()
	return chunks, errs
}
