package dispatch

import (
	"errors"
	"fmt"
)

// ErrInvalidJobID is returned for ids that cannot be used as file names.
var ErrInvalidJobID = errors.New("invalid job id")

// ErrInternal marks failures caused by broken invariants rather than input
// or providers.
var ErrInternal = errors.New("internal error")

// JobError reports why a job ended and the state it was in at the time.
type JobError struct {
	JobID string
	State State
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed while %s: %v", e.JobID, e.State, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
