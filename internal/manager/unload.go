package manager

import "context"

// Close waits for the in-flight generation, if any, and releases the model.
// Subsequent generations fail with ErrNotInitialized. Safe to call repeatedly.
func (m *Manager) Close(ctx context.Context) error {
	release, err := m.acquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	wasLoaded := m.res.Loaded()
	err = m.res.Unload()
	m.setState(StateUnloaded, "")
	if wasLoaded {
		m.publish(Event{Name: "unload", Adapter: m.res.AdapterPath()})
	}
	return err
}
