package storage

import (
	"context"
	"time"

	"sigmaSquared/internal/model"
)

// RetrySink retries a failing sink with exponential backoff.
type RetrySink struct {
	Sink       Sink
	MaxRetries int
	BaseDelay  time.Duration
}

func (r RetrySink) Publish(ctx context.Context, event model.Event) error {
	return withRetry(ctx, r.MaxRetries, r.BaseDelay, func(ctx context.Context) error {
		return r.Sink.Publish(ctx, event)
	})
}

func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
