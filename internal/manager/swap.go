package manager

import (
	"context"
	"time"
)

// Swap replaces the active adapter with the one at adapterPath.
//
// The new session is loaded while generations keep running on the old one;
// only the install (a pointer assignment) and the close of the old session
// happen under the inference lock. If loading fails, or ctx ends before the
// lock is obtained, the old adapter stays active and the prepared session is
// closed.
func (m *Manager) Swap(ctx context.Context, adapterPath string) error {
	prevPath := m.res.AdapterPath()
	m.mu.Lock()
	if m.state == StateReady {
		m.state = StateSwapping
	}
	m.mu.Unlock()
	m.publish(Event{Name: "swap_start", Adapter: adapterPath, Fields: map[string]any{"previous": prevPath}})
	start := time.Now()

	next, err := m.res.prepare(ctx, adapterPath)
	if err != nil {
		return m.swapFailed(adapterPath, err)
	}
	release, err := m.acquireExclusive(ctx)
	if err != nil {
		_ = next.session.Close()
		return m.swapFailed(adapterPath, err)
	}
	prev := m.res.install(next)
	if prev != nil {
		if cerr := prev.session.Close(); cerr != nil {
			m.log.Warn().Err(cerr).Str("adapter", prev.adapterPath).Msg("closing previous session failed")
		}
	}
	m.mu.Lock()
	m.swaps++
	m.lastSwap = time.Now()
	if m.state == StateSwapping {
		m.state = StateReady
	}
	m.mu.Unlock()
	release()

	swapsTotal.WithLabelValues("ok").Inc()
	m.publish(Event{Name: "swap_done", Adapter: adapterPath, Fields: map[string]any{
		"previous":    prevPath,
		"duration_ms": time.Since(start).Milliseconds(),
	}})
	m.log.Info().Str("adapter", adapterPath).Str("previous", prevPath).Msg("adapter swapped")
	return nil
}

func (m *Manager) swapFailed(adapterPath string, err error) error {
	swapsTotal.WithLabelValues("error").Inc()
	m.mu.Lock()
	if m.state == StateSwapping {
		m.state = StateReady
	}
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.publish(Event{Name: "swap_error", Adapter: adapterPath, Fields: map[string]any{"error": err.Error()}})
	m.log.Error().Err(err).Str("adapter", adapterPath).Msg("adapter swap failed")
	return err
}
