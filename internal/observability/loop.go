package observability

import (
	"context"
	"time"
)

// RunLoop refreshes all candidates on a fixed cadence until ctx is
// cancelled. An initial refresh runs immediately so the API has results
// before the first tick.
func (e *Engine) RunLoop(ctx context.Context, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 15 * time.Minute
	}

	if _, err := e.Refresh(ctx, nil); err != nil && ctx.Err() == nil {
		e.logger.Error("initial observability refresh failed", "error", err)
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Refresh(ctx, nil); err != nil && ctx.Err() == nil {
				e.logger.Error("observability refresh failed", "error", err)
			}
		}
	}
}
