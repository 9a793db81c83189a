//go:build !linux && !darwin

package local

import "context"

// WatchSignal is a no-op on platforms without SIGUSR1; callers on these
// platforms must invoke Update directly (e.g. on a timer).
func (c *Collector) WatchSignal(ctx context.Context) {
	<-ctx.Done()
}
