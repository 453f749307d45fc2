package training

import (
	"fmt"
	"time"

	"loraserve/pkg/types"
)

// Status is a retraining job state.
type Status string

const (
	StatusReceived     Status = "received"
	StatusTransforming Status = "transforming"
	StatusTraining     Status = "training"
	StatusSwapping     Status = "swapping"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
)

// forward is the only non-failure successor of each running state.
var forward = map[Status]Status{
	StatusReceived:     StatusTransforming,
	StatusTransforming: StatusTraining,
	StatusTraining:     StatusSwapping,
	StatusSwapping:     StatusSucceeded,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// CanTransition reports whether s may move to next. Any running state may
// fail; otherwise states advance one step at a time.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return forward[s] == next
}

type job struct {
	view types.TrainingJob
	// paths removed when the job ends
	upload   string
	artifact string
}

func (j *job) status() Status { return Status(j.view.Status) }

func (j *job) transition(next Status, now time.Time) error {
	if cur := j.status(); !cur.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.view.ID, cur, next)
	}
	j.view.Status = string(next)
	if next.Terminal() {
		j.view.FinishedUnix = now.Unix()
	}
	return nil
}
