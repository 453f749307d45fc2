package training

import (
	"errors"
	"net/http"
)

type busyError struct{}

func (busyError) Error() string   { return "a retraining job is already in progress" }
func (busyError) Busy() bool      { return true }
func (busyError) StatusCode() int { return http.StatusConflict }

// ErrBusy is returned by Submit while another job holds the training lock.
var ErrBusy error = busyError{}

// errNoPairs fails a job whose upload yields nothing to train on.
var errNoPairs = errors.New("upload produced no training pairs")
