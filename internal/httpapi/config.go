package httpapi

import (
	"sync"
	"time"
)

const (
	defaultMaxBodyBytes   int64 = 1 << 20
	defaultMaxUploadBytes int64 = 64 << 20
	// multipart parts above this size spill to temp files
	multipartMemory int64 = 8 << 20
)

var (
	cfgMu sync.RWMutex
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = defaultMaxBodyBytes
	// maxUploadBytes bounds the retrain upload file; the multipart envelope
	// gets a little extra room on top.
	maxUploadBytes = defaultMaxUploadBytes
	// generateTimeout bounds a generate request end to end, lock wait
	// included. Zero leaves only the client connection and shutdown.
	generateTimeout time.Duration

	corsEnabled        bool
	corsAllowedOrigins []string
)

// SetMaxBodyBytes configures the maximum JSON request body size.
func SetMaxBodyBytes(n int64) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if n <= 0 {
		n = defaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// SetMaxUploadBytes configures the maximum retrain upload size.
func SetMaxUploadBytes(n int64) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if n <= 0 {
		n = defaultMaxUploadBytes
	}
	maxUploadBytes = n
}

// SetGenerateTimeout sets the per-request generate timeout (0 disables).
func SetGenerateTimeout(d time.Duration) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if d < 0 {
		d = 0
	}
	generateTimeout = d
}

// SetCORSOptions configures CORS for routers built afterwards. Disabled means
// no CORS middleware is installed.
func SetCORSOptions(enabled bool, origins []string) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
}

type limits struct {
	body, upload int64
	genTimeout   time.Duration
	cors         bool
	origins      []string
}

func currentLimits() limits {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return limits{
		body:       maxBodyBytes,
		upload:     maxUploadBytes,
		genTimeout: generateTimeout,
		cors:       corsEnabled,
		origins:    append([]string(nil), corsAllowedOrigins...),
	}
}
