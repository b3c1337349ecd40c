// Package app contains the top-level run loops behind each CLI command.
package app

import (
	"context"
	"time"
)

// TickInterval is the fixed step of every run loop.
const TickInterval = 10 * time.Millisecond

// reportInterval is how often a loop renders its statistics table.
const reportInterval = 2 * time.Second

// loop calls step with the measured elapsed time every interval until ctx is
// cancelled or step returns an error.
func loop(ctx context.Context, interval time.Duration, step func(dt time.Duration) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if err := step(dt); err != nil {
				return err
			}
		}
	}
}
