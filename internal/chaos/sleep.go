package chaos

import (
	"context"
	"time"
)

// Sleep suspends the calling goroutine for delayMs of real wall-clock time.
// It returns early with the context error if the caller disconnects first.
func Sleep(ctx context.Context, delayMs int) error {
	if delayMs <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
