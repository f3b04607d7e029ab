package consolidation

import (
	"context"
	"time"
)

// withDeadline bounds a single capability call. Expiry surfaces as the call's
// error and is handled like any other delegate failure.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
