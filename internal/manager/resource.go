package manager

import (
	"context"
	"fmt"
	"sync"

	"loraserve/internal/common/fsutil"
)

// loaded is one immutable (adapter, session) pair. A swap replaces the whole
// value, so readers never observe a session from one adapter labelled with
// another.
type loaded struct {
	adapterPath string
	session     InferSession
}

// Resource is the model resource: the base model, the device it runs on and
// the active adapter.
//
// Resource does not serialize generations itself. Callers that share a
// Resource go through Manager, which holds the inference lock around Infer
// and around installing a swapped adapter.
type Resource struct {
	runtime   InferenceAdapter
	baseModel string
	selector  string
	initial   string
	probe     DeviceProbe

	mu     sync.RWMutex
	device string
	cur    *loaded
}

// NewResource prepares a resource; nothing is loaded until Load.
// spec.Device is a selector (auto, cpu, cuda, cuda:N).
func NewResource(runtime InferenceAdapter, spec LoadSpec) *Resource {
	if runtime == nil {
		runtime = NewUnavailableAdapter("")
	}
	return &Resource{
		runtime:   runtime,
		baseModel: spec.BaseModel,
		selector:  spec.Device,
		initial:   spec.AdapterPath,
		probe:     DefaultDeviceProbe,
	}
}

// SetDeviceProbe overrides accelerator detection. Must be called before Load.
func (r *Resource) SetDeviceProbe(p DeviceProbe) {
	if p != nil {
		r.probe = p
	}
}

// Load resolves the device and loads the base model with the initial adapter.
// Calling Load on a loaded resource is a no-op.
func (r *Resource) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return nil
	}
	dev, err := ResolveDevice(r.selector, r.probe)
	if err != nil {
		return err
	}
	next, err := r.open(ctx, dev, r.initial)
	if err != nil {
		return err
	}
	r.device = dev
	r.cur = next
	return nil
}

func (r *Resource) open(ctx context.Context, device, adapterPath string) (*loaded, error) {
	if adapterPath == "" {
		return nil, &ResourceError{Op: "load adapter", Err: fmt.Errorf("adapter path is empty")}
	}
	if !fsutil.IsDir(adapterPath) {
		return nil, &ResourceError{Op: "load adapter", Err: fmt.Errorf("adapter %q is not a directory", adapterPath)}
	}
	sess, err := r.runtime.Load(ctx, LoadSpec{BaseModel: r.baseModel, AdapterPath: adapterPath, Device: device})
	if err != nil {
		if IsDependencyUnavailable(err) {
			return nil, err
		}
		return nil, &ResourceError{Op: "load adapter", Err: err}
	}
	return &loaded{adapterPath: adapterPath, session: sess}, nil
}

// Infer runs one generation against the current adapter and returns the
// cleaned text.
func (r *Resource) Infer(ctx context.Context, prompt string, params InferParams) (string, error) {
	cur := r.current()
	if cur == nil {
		return "", &ResourceError{Op: "infer", Err: ErrNotInitialized}
	}
	res, err := cur.session.Generate(ctx, prompt, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &ResourceError{Op: "infer", Err: err}
	}
	return CleanGeneratedText(res.Content), nil
}

// prepare loads adapterPath into a fresh session on the current device. The
// active pair is not touched.
func (r *Resource) prepare(ctx context.Context, adapterPath string) (*loaded, error) {
	r.mu.RLock()
	dev, loadedNow := r.device, r.cur != nil
	r.mu.RUnlock()
	if !loadedNow {
		return nil, &ResourceError{Op: "swap adapter", Err: ErrNotInitialized}
	}
	next, err := r.open(ctx, dev, adapterPath)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// install makes next the active pair and returns the previous one, which the
// caller must close once no generation can still be using it.
func (r *Resource) install(next *loaded) *loaded {
	r.mu.Lock()
	prev := r.cur
	r.cur = next
	r.mu.Unlock()
	return prev
}

// SwapAdapter replaces the active adapter with the one at adapterPath. The
// new session is fully loaded before it is installed; on failure the old
// adapter stays active. Callers must make sure no Infer is running, which
// Manager.Swap does by holding the inference lock around the install.
func (r *Resource) SwapAdapter(ctx context.Context, adapterPath string) error {
	next, err := r.prepare(ctx, adapterPath)
	if err != nil {
		return err
	}
	if prev := r.install(next); prev != nil {
		_ = prev.session.Close()
	}
	return nil
}

// Unload releases the session. Safe to call repeatedly.
func (r *Resource) Unload() error {
	prev := r.install(nil)
	if prev == nil {
		return nil
	}
	return prev.session.Close()
}

func (r *Resource) current() *loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

// AdapterPath returns the active adapter, or the one Load will use.
func (r *Resource) AdapterPath() string {
	if cur := r.current(); cur != nil {
		return cur.adapterPath
	}
	return r.initial
}

// Device returns the resolved device, empty before the first Load.
func (r *Resource) Device() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device
}

func (r *Resource) BaseModel() string { return r.baseModel }

// Loaded reports whether a session is active.
func (r *Resource) Loaded() bool { return r.current() != nil }
