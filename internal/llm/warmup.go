package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stepsage/stepsage-core/internal/config"
)

// WarmUp issues a throwaway request so the first narration does not pay
// model load latency. It retries with exponential backoff and returns nil
// once one request terminates successfully.
func WarmUp(ctx context.Context, gen Generator, cfg config.LLMConfig, log *slog.Logger) error {
	attempts := cfg.WarmupAttempts
	if attempts <= 0 {
		attempts = 1
	}
	prompt := cfg.WarmupPrompt
	if prompt == "" {
		prompt = "warm-up"
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		req := RequestFromConfig(cfg, prompt)
		req.RequestID = fmt.Sprintf("warmup-%d", attempt)
		err := gen.Generate(ctx, req, func(Chunk) error { return nil })
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("generator warm-up failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return fmt.Errorf("generator warm-up: %w", err)
	}
	log.Info("generator warmed up", slog.Int("attempts", attempt))
	return nil
}
