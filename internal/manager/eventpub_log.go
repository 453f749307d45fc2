package manager

import "github.com/rs/zerolog"

// LogPublisher writes lifecycle events to a zerolog logger. Errors are logged
// at warn level, everything else at info.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Info()
	if _, failed := e.Fields["error"]; failed {
		ev = p.Log.Warn()
	}
	ev = ev.Str("event", e.Name)
	if e.Adapter != "" {
		ev = ev.Str("adapter", e.Adapter)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("manager event")
}
