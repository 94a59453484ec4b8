package session

import (
	"context"
	"time"

	"github.com/banshee-data/gazecal/internal/timeutil"
)

// Processor is driven once per update cycle. Process reports whether any
// background work is still pending.
type Processor interface {
	Process() bool
}

// Drive calls p.Process on every tick of clock until it reports no pending
// work or ctx is done. The first cycle runs immediately.
func Drive(ctx context.Context, clock timeutil.Clock, interval time.Duration, p Processor) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !p.Process() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
