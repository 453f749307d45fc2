package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"loraserve/internal/common/fsutil"
)

// Pointer is the durable record of the most recently trained adapter: a file
// holding one line, the adapter directory.
type Pointer struct {
	path string
}

// NewPointer returns a Pointer stored at path.
func NewPointer(path string) *Pointer { return &Pointer{path: path} }

// Path returns the pointer file location.
func (p *Pointer) Path() string { return p.path }

// Read returns the recorded adapter path. ok is false when the file is
// missing, empty, or names something that is not a directory.
func (p *Pointer) Read() (adapter string, ok bool, err error) {
	if p == nil || p.path == "" {
		return "", false, nil
	}
	b, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read pointer: %w", err)
	}
	adapter = strings.TrimSpace(string(b))
	if adapter == "" || !fsutil.IsDir(adapter) {
		return adapter, false, nil
	}
	return adapter, true, nil
}

// Resolve returns the recorded adapter, or def when there is no usable record.
func (p *Pointer) Resolve(def string) string {
	if adapter, ok, err := p.Read(); err == nil && ok {
		return adapter
	}
	return def
}

// Save records adapter as the latest one. The write is atomic.
func (p *Pointer) Save(adapter string) error {
	if p == nil || p.path == "" {
		return fmt.Errorf("pointer file not configured")
	}
	if strings.TrimSpace(adapter) == "" {
		return fmt.Errorf("empty adapter path")
	}
	return fsutil.WriteFileAtomic(p.path, []byte(adapter+"\n"), 0o644)
}
