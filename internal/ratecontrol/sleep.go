package ratecontrol

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done. Components accept a Sleeper so
// the delays decided here are consumed by the caller's scheduler.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
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

// NoSleep returns immediately. Useful in tests and dry runs.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
