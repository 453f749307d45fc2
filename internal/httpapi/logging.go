package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from the environment.
var defaultLogLevel = parseLevel(envOr("LORASERVE_REQUEST_LOG", "info"))

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// requestLogLevel honours ?log= and X-Log-Level before the process default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestEvent starts a log event tagged with the request id, or nil when lvl
// is below min.
func requestEvent(r *http.Request, lvl, min LogLevel) *zerolog.Event {
	if lvl < min {
		return nil
	}
	var e *zerolog.Event
	switch min {
	case LevelDebug:
		e = zlog.Debug()
	case LevelError:
		e = zlog.Error()
	default:
		e = zlog.Info()
	}
	e = e.Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	return e
}

// logEnd records the outcome of a request. Failures log at error level when
// the request level allows it.
func logEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	min := LevelInfo
	if status >= http.StatusInternalServerError {
		min = LevelError
	}
	e := requestEvent(r, lvl, min)
	if e == nil {
		return
	}
	e = e.Int("status", status).Dur("dur", time.Since(start))
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("request end")
}
