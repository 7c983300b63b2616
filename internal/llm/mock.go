package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const mockTokenDelay = 10 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator answers narration prompts the way the instructed model
// would, one word per fragment.
func NewMockGenerator() Generator { return &mockGenerator{} }

type mockScene struct {
	Objects []struct {
		Label     string `json:"label"`
		Direction string `json:"direction"`
		Proximity string `json:"proximity"`
	} `json:"objects"`
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	words := strings.Fields(mockReply(req.Prompt))
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mockTokenDelay):
		}
		content := word
		if i > 0 {
			content = " " + word
		}
		if err := consumer(Chunk{
			RequestID:        req.RequestID,
			Content:          content,
			Partial:          true,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		RequestID:        req.RequestID,
		Partial:          false,
		CompletionTokens: len(words),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}

func mockReply(prompt string) string {
	idx := strings.LastIndex(prompt, "JSON:")
	if idx < 0 {
		return "Ready."
	}
	var scene mockScene
	if err := json.Unmarshal([]byte(strings.TrimSpace(prompt[idx+len("JSON:"):])), &scene); err != nil || len(scene.Objects) == 0 {
		return "Ready."
	}
	sentences := make([]string, 0, len(scene.Objects))
	for _, o := range scene.Objects {
		where := "to your " + o.Direction
		if o.Direction != "left" && o.Direction != "right" {
			where = o.Direction
		}
		sentences = append(sentences, "There is a "+o.Label+" "+o.Proximity+" "+where+".")
	}
	return strings.Join(sentences, " ")
}
