package httpapi

import (
	"context"
	"sync"
)

var (
	baseMu sync.RWMutex
	// serverBaseCtx is canceled on shutdown so long waits end with the process.
	serverBaseCtx = context.Background()
)

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseMu.Lock()
	serverBaseCtx = ctx
	baseMu.Unlock()
}

func baseContext() context.Context {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return serverBaseCtx
}

// joinContexts returns a context derived from a that is also canceled when b
// is done. The returned cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
