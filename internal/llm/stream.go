package llm

import (
	"context"
	"time"
)

// watchIdle derives a context that is cancelled when kick is not called
// within d. Providers kick it on every received SSE line, so a stalled
// upstream aborts the read instead of hanging until the request timeout.
func watchIdle(parent context.Context, d time.Duration) (ctx context.Context, kick func(), stop func()) {
	streamCtx, cancel := context.WithCancel(parent)
	activity := make(chan struct{}, 1)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d)
			case <-timer.C:
				cancel()
				return
			}
		}
	}()

	kick = func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	return streamCtx, kick, cancel
}
