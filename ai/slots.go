package ai

import (
	"context"
	"log/slog"
)

// Slots bounds the number of in-flight model calls.
type Slots struct {
	sem chan struct{}
}

// NewSlots returns a limiter admitting max concurrent calls (at least 1).
func NewSlots(max int) *Slots {
	if max <= 0 {
		max = 1
	}
	slog.Info("ai concurrency limit initialized", slog.Int("max_concurrent", max))
	return &Slots{sem: make(chan struct{}, max)}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (s *Slots) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (s *Slots) Release() {
	select {
	case <-s.sem:
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("ai slot release called without corresponding acquire")
	}
}

// Active returns the number of calls currently holding a slot.
func (s *Slots) Active() int { return len(s.sem) }

// Max returns the configured limit.
func (s *Slots) Max() int { return cap(s.sem) }
