//go:build linux || darwin

package local

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WatchSignal re-runs Update whenever the process receives SIGUSR1
// (spec.md §4.7: "triggered at startup and on an external signal"). It
// runs until ctx is cancelled.
func (c *Collector) WatchSignal(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := c.Update(ctx); err != nil {
				c.log.Warn("local collector signal-triggered update failed", zap.Error(err))
			}
		}
	}
}
