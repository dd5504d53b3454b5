package netmon

import (
	"context"
	"time"
)

// Debounce forwards the last event of every burst once input has been quiet
// for interval. The output closes when input closes (after flushing) or ctx
// is done.
func Debounce(ctx context.Context, input <-chan Event, interval time.Duration) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		timer := time.NewTimer(interval)
		timer.Stop()
		defer timer.Stop()

		var last Event
		pending := false

		emit := func() bool {
			select {
			case out <- last:
				pending = false
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-input:
				if !ok {
					if pending {
						emit()
					}
					return
				}
				last, pending = ev, true
				timer.Reset(interval)
			case <-timer.C:
				if pending && !emit() {
					return
				}
			}
		}
	}()

	return out
}
