package moderation

import (
	"context"
	"time"
)

// Backoff is a bounded exponential delay applied before a caller-driven
// retry. The zero value disables waiting.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the next attempt after failures
// consecutive failures: Initial, 2*Initial, 4*Initial, ... capped at Max.
func (b Backoff) Delay(failures int) time.Duration {
	if b.Initial <= 0 || failures <= 0 {
		return 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = b.Initial
	}
	delay := b.Initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Wait sleeps for Delay(failures) or until ctx ends.
func (b Backoff) Wait(ctx context.Context, failures int) error {
	d := b.Delay(failures)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
