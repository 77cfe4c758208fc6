// Package jobs holds job records: their state machine, the in-process store,
// and optional write-through persistence.
package jobs

import (
	"errors"
	"strings"
	"time"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", apperr.Validation("unknown job status %q", s)
}

// Job is one unit of work. It is also the persisted record, so every field
// round-trips through JSON.
type Job struct {
	ID              string            `json:"id"`
	Seq             uint64            `json:"seq"`
	Feature         model.FeatureType `json:"feature_type"`
	ModelID         string            `json:"model_id"`
	Inputs          model.Inputs      `json:"inputs"`
	Status          Status            `json:"status"`
	Progress        int               `json:"progress"`
	Result          model.Outputs     `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       apperr.Kind       `json:"error_kind,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
	FinishedAt      time.Time         `json:"finished_at,omitzero"`
	Deadline        time.Time         `json:"deadline,omitzero"`
	Attempts        int               `json:"attempts"`
	CancelRequested bool              `json:"cancel_requested"`
}

var errTerminal = errors.New("job already finished")

// Overdue reports whether the job has a deadline that has passed.
func (j *Job) Overdue(now time.Time) bool {
	return !j.Deadline.IsZero() && !now.Before(j.Deadline)
}

// Start moves a QUEUED job to RUNNING.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusQueued {
		return apperr.Conflict("job %s is %s, not QUEUED", j.ID, j.Status)
	}
	j.Status = StatusRunning
	j.StartedAt = now
	return nil
}

// Requeue returns a RUNNING job to QUEUED after a capacity shortfall.
func (j *Job) Requeue() error {
	if j.Status != StatusRunning && j.Status != StatusQueued {
		return apperr.Conflict("job %s is %s", j.ID, j.Status)
	}
	j.Status = StatusQueued
	j.StartedAt = time.Time{}
	j.Attempts++
	return nil
}

// SetProgress records pct if it moves progress forward. Values are clamped to
// [0,99]; every terminal transition sets 100.
func (j *Job) SetProgress(pct int) bool {
	if j.Status != StatusRunning {
		return false
	}
	pct = min(max(pct, 0), 99)
	if pct <= j.Progress {
		return false
	}
	j.Progress = pct
	return true
}

// Complete finishes a RUNNING job with its result.
func (j *Job) Complete(out model.Outputs, now time.Time) error {
	if j.Status != StatusRunning {
		return j.terminalConflict()
	}
	if out == nil {
		out = model.Outputs{}
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.Result = out
	j.FinishedAt = now
	return nil
}

// Fail finishes a non-terminal job with err. The error kind is taken from
// err; plain errors are recorded as internal.
func (j *Job) Fail(err error, now time.Time) error {
	if j.Status.Terminal() {
		return j.terminalConflict()
	}
	if err == nil {
		err = apperr.Internal("job failed without an error")
	}
	j.Status = StatusFailed
	j.Progress = 100
	j.Error = err.Error()
	j.ErrorKind = apperr.KindOf(err)
	j.Result = nil
	j.FinishedAt = now
	return nil
}

// Cancel finishes a non-terminal job without result or error.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return j.terminalConflict()
	}
	j.Status = StatusCancelled
	j.Progress = 100
	j.CancelRequested = true
	j.Result = nil
	j.FinishedAt = now
	return nil
}

func (j *Job) terminalConflict() error {
	return &apperr.Error{Kind: apperr.KindConflict, Msg: "job " + j.ID + " is " + string(j.Status), Err: errTerminal}
}

// IsTerminalConflict reports whether err came from transitioning a job that
// had already finished.
func IsTerminalConflict(err error) bool { return errors.Is(err, errTerminal) }

// clone returns a copy that shares no maps with j.
func (j *Job) clone() Job {
	c := *j
	c.Inputs = copyMap(j.Inputs)
	c.Result = copyMap(j.Result)
	return c
}

func copyMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
