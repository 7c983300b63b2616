package llm

import (
	"context"
	"time"

	"github.com/stepsage/stepsage-core/internal/config"
)

// Request describes one narration prompt.
type Request struct {
	RequestID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is one streamed fragment of model output.
type Chunk struct {
	RequestID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator streams fragments to consumer and returns once the request has
// terminated. A nil return means success.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig fills sampling options from config.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		System:      cfg.System,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
