package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"loraserve/internal/dataset"
)

// Janitor periodically removes stale files from the upload directory: what a
// crash in the middle of a job leaves behind. Files of the running job are
// never touched.
type Janitor struct {
	dir    string
	maxAge time.Duration
	// inUse returns the upload of the running job, empty when idle.
	inUse func() string
	cron  *cron.Cron
	log   zerolog.Logger
	now   func() time.Time
}

// NewJanitor sweeps dir for files older than maxAge, sparing o's running job.
// o may be nil.
func NewJanitor(dir string, maxAge time.Duration, o *Orchestrator, log zerolog.Logger) *Janitor {
	inUse := func() string { return "" }
	if o != nil {
		inUse = o.activeUpload
	}
	return &Janitor{
		dir:    dir,
		maxAge: maxAge,
		inUse:  inUse,
		cron:   cron.New(),
		log:    log.With().Str("component", "janitor").Logger(),
		now:    time.Now,
	}
}

// Start schedules Sweep (e.g. "@every 1h" or "0 3 * * *").
func (j *Janitor) Start(schedule string) error {
	_, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.log.Warn().Err(err).Msg("upload sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	j.cron.Start()
	j.log.Info().Str("schedule", schedule).Str("dir", j.dir).Dur("max_age", j.maxAge).Msg("janitor started")
	return nil
}

// Stop halts the schedule; the returned context is done once a running sweep
// has finished.
func (j *Janitor) Stop() context.Context { return j.cron.Stop() }

// Sweep removes expired regular files directly under the upload directory
// and returns how many were removed. A missing directory is not an error.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	keep := map[string]bool{}
	if up := j.inUse(); up != "" {
		keep[filepath.Clean(up)] = true
		keep[filepath.Clean(dataset.ArtifactPath(up))] = true
	}
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(j.dir, e.Name())
		if keep[filepath.Clean(p)] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.log.Warn().Err(err).Str("path", p).Msg("removing stale upload failed")
			continue
		}
		removed++
		janitorRemoved.Inc()
		j.log.Info().Str("path", p).Msg("removed stale upload")
	}
	return removed, nil
}
