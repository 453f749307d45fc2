package manager

import (
	"context"
	"time"
)

func noRelease() {}

// beginGeneration reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred. The queue slot is handed back as
// soon as the in-flight slot is held, so queueCh counts waiters only.
func (m *Manager) beginGeneration(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return noRelease, err
	}

	select {
	case m.queueCh <- struct{}{}:
	default:
		return noRelease, tooBusyError{reason: "queue full"}
	}
	acquired := false
	defer func() {
		if !acquired {
			<-m.queueCh
		}
	}()

	var timeout <-chan time.Time
	if m.maxWait > 0 {
		timer := time.NewTimer(m.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	start := time.Now()
	select {
	case m.genCh <- struct{}{}:
		acquired = true
		<-m.queueCh
		lockWaitSeconds.Observe(time.Since(start).Seconds())
		return func() { <-m.genCh }, nil
	case <-ctx.Done():
		return noRelease, ctx.Err()
	case <-timeout:
		return noRelease, tooBusyError{reason: "wait timeout"}
	}
}

// acquireExclusive takes the in-flight slot for maintenance work (swap
// install, shutdown). It ignores the queue bound and MaxWait; only ctx ends
// the wait.
func (m *Manager) acquireExclusive(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return noRelease, err
	}
	select {
	case m.genCh <- struct{}{}:
		return func() { <-m.genCh }, nil
	case <-ctx.Done():
		return noRelease, ctx.Err()
	}
}
