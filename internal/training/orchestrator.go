// Package training runs retraining jobs: it accepts an upload, turns it into
// instruction pairs, trains a new adapter from the one currently served, and
// hot-swaps the result in. One job runs at a time; a submit while a job is
// running is rejected with ErrBusy.
package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"loraserve/internal/common/fsutil"
	"loraserve/internal/dataset"
	"loraserve/internal/manager"
	"loraserve/internal/registry"
	"loraserve/pkg/types"
)

const (
	defaultMaxUploadBytes = 64 << 20
	defaultMaxHistory     = 100
)

// Swapper installs a trained adapter. *manager.Manager satisfies it.
type Swapper interface {
	Swap(ctx context.Context, adapterPath string) error
	AdapterPath() string
}

// PointerStore records the adapter to recover on the next start.
type PointerStore interface {
	Save(adapterPath string) error
}

// Options configure an Orchestrator.
type Options struct {
	BaseModel string
	// OutputRoot prefixes run directories: <OutputRoot>-<job id>.
	OutputRoot     string
	TempDir        string
	Epochs         int
	MaxUploadBytes int64
	// MaxHistory bounds the job table; the oldest finished jobs are evicted
	// first. Zero selects the default.
	MaxHistory int

	Trainer Trainer
	Swapper Swapper
	// Pointer may be nil, in which case nothing is persisted.
	Pointer PointerStore
	Logger  zerolog.Logger
}

// Orchestrator owns the training lock and the job table.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger
	lock *semaphore.Weighted

	mu     sync.RWMutex
	jobs   map[string]*job
	order  []string // job ids, oldest first
	active string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New validates opts and returns an idle Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Trainer == nil {
		return nil, errors.New("training: trainer is required")
	}
	if opts.Swapper == nil {
		return nil, errors.New("training: swapper is required")
	}
	if strings.TrimSpace(opts.OutputRoot) == "" {
		return nil, errors.New("training: output root is required")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 3
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "training").Logger(),
		lock:   semaphore.NewWeighted(1),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}, nil
}

// Submit validates and persists an upload and starts a job for it. It returns
// once the job is registered; training continues in the background.
//
// Errors: *manager.ValidationError for a bad filename, size or body; ErrBusy
// when a job is already running; I/O errors when the upload cannot be stored.
func (o *Orchestrator) Submit(ctx context.Context, filename string, body io.Reader) (types.TrainingJob, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || !strings.HasSuffix(name, ".json") {
		return types.TrainingJob{}, &manager.ValidationError{Msg: "Invalid file type. Only .json files are accepted."}
	}
	data, err := io.ReadAll(io.LimitReader(body, o.opts.MaxUploadBytes+1))
	if err != nil {
		return types.TrainingJob{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > o.opts.MaxUploadBytes {
		return types.TrainingJob{}, &manager.ValidationError{Msg: fmt.Sprintf("upload exceeds %d bytes", o.opts.MaxUploadBytes)}
	}
	if _, err := dataset.ParseUpload(bytes.NewReader(data)); err != nil {
		return types.TrainingJob{}, &manager.ValidationError{Msg: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return types.TrainingJob{}, err
	}

	if !o.lock.TryAcquire(1) {
		return types.TrainingJob{}, ErrBusy
	}
	id := uuid.NewString()
	upload := filepath.Join(o.opts.TempDir, id+"_"+name)
	if err := os.MkdirAll(o.opts.TempDir, 0o755); err != nil {
		o.lock.Release(1)
		return types.TrainingJob{}, fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.WriteFile(upload, data, 0o644); err != nil {
		o.lock.Release(1)
		return types.TrainingJob{}, fmt.Errorf("store upload: %w", err)
	}

	j := &job{
		view: types.TrainingJob{
			ID:          id,
			Filename:    name,
			Status:      string(StatusReceived),
			CreatedUnix: o.now().Unix(),
		},
		upload: upload,
	}
	o.mu.Lock()
	o.jobs[id] = j
	o.order = append(o.order, id)
	o.active = id
	view := j.view
	o.mu.Unlock()

	o.log.Info().Str("job", id).Str("file", name).Msg("retraining job accepted")
	o.wg.Add(1)
	go o.run(j)
	return view, nil
}

func (o *Orchestrator) run(j *job) {
	start := o.now()
	id := j.view.ID
	log := o.log.With().Str("job", id).Logger()
	defer func() {
		o.cleanup(j, log)
		o.mu.Lock()
		o.active = ""
		o.pruneLocked()
		o.mu.Unlock()
		o.lock.Release(1)
		jobDuration.Observe(o.now().Sub(start).Seconds())
		o.wg.Done()
	}()

	if err := o.execute(j, log); err != nil {
		jobsTotal.WithLabelValues("failed").Inc()
		o.update(j, func(v *types.TrainingJob) { v.Error = err.Error() })
		o.advance(j, StatusFailed, log)
		log.Error().Err(err).Msg("retraining job failed")
		return
	}
	jobsTotal.WithLabelValues("succeeded").Inc()
	o.advance(j, StatusSucceeded, log)
	log.Info().Str("adapter", o.view(j).NewAdapter).Msg("retraining job succeeded")
}

func (o *Orchestrator) execute(j *job, log zerolog.Logger) error {
	base := o.opts.Swapper.AdapterPath()
	o.update(j, func(v *types.TrainingJob) { v.BaseAdapter = base })
	log.Info().Str("base_adapter", base).Msg("training builds on current adapter")

	o.advance(j, StatusTransforming, log)
	artifact, n, err := dataset.TransformFile(j.upload)
	if artifact != "" {
		o.mu.Lock()
		j.artifact = artifact
		o.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("transform upload: %w", err)
	}
	o.update(j, func(v *types.TrainingJob) { v.Pairs = n })
	if n == 0 {
		return errNoPairs
	}

	o.advance(j, StatusTraining, log)
	outDir := registry.RunDir(o.opts.OutputRoot, j.view.ID)
	o.update(j, func(v *types.TrainingJob) { v.OutputDir = outDir })
	adapter, err := o.opts.Trainer.Train(o.ctx, Spec{
		BaseModel: o.opts.BaseModel,
		DataPath:  artifact,
		OutputDir: outDir,
		Adapter:   base,
		Epochs:    o.opts.Epochs,
	})
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	o.update(j, func(v *types.TrainingJob) { v.NewAdapter = adapter })

	o.advance(j, StatusSwapping, log)
	if err := o.opts.Swapper.Swap(o.ctx, adapter); err != nil {
		return fmt.Errorf("swap adapter: %w", err)
	}
	if o.opts.Pointer != nil {
		if err := o.opts.Pointer.Save(adapter); err != nil {
			// the new adapter is live; only recovery after restart is affected
			log.Error().Err(err).Str("adapter", adapter).Msg("saving adapter pointer failed")
			o.update(j, func(v *types.TrainingJob) { v.PointerError = err.Error() })
		}
	}
	return nil
}

// pruneLocked evicts the oldest finished jobs beyond MaxHistory. Callers hold
// o.mu.
func (o *Orchestrator) pruneLocked() {
	excess := len(o.order) - o.opts.MaxHistory
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && id != o.active && Status(o.jobs[id].view.Status).Terminal() {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Orchestrator) advance(j *job, next Status, log zerolog.Logger) {
	o.mu.Lock()
	err := j.transition(next, o.now())
	o.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("job state")
		return
	}
	log.Debug().Str("status", string(next)).Msg("job status")
}

func (o *Orchestrator) update(j *job, fn func(*types.TrainingJob)) {
	o.mu.Lock()
	fn(&j.view)
	o.mu.Unlock()
}

func (o *Orchestrator) view(j *job) types.TrainingJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return j.view
}

func (o *Orchestrator) cleanup(j *job, log zerolog.Logger) {
	o.mu.RLock()
	paths := []string{j.upload, j.artifact}
	o.mu.RUnlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsutil.RemoveIfExists(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("removing temporary file failed")
			continue
		}
		log.Debug().Str("path", p).Msg("removed temporary file")
	}
}

// Job returns the job with id.
func (o *Orchestrator) Job(id string) (types.TrainingJob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[id]
	if !ok {
		return types.TrainingJob{}, false
	}
	return j.view, true
}

// Jobs returns every job, newest first.
func (o *Orchestrator) Jobs() []types.TrainingJob {
	o.mu.RLock()
	out := make([]types.TrainingJob, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.view)
	}
	o.mu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedUnix != out[b].CreatedUnix {
			return out[a].CreatedUnix > out[b].CreatedUnix
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Active returns the job holding the training lock, if any.
func (o *Orchestrator) Active() (types.TrainingJob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.active == "" {
		return types.TrainingJob{}, false
	}
	return o.jobs[o.active].view, true
}

// activeUpload is the upload of the running job, empty when idle.
func (o *Orchestrator) activeUpload() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.active == "" {
		return ""
	}
	return o.jobs[o.active].upload
}

// Wait blocks until running jobs finish or ctx ends. When ctx ends first the
// running trainer is canceled.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
