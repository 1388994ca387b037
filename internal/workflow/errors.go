package workflow

import (
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/models"
)

// suspendError unwinds the handler after the run's wait state was decided.
type suspendError struct {
	status models.RunStatus
	wakeAt time.Time
	event  string
	key    string
	step   string
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("workflow suspended in %s until %s", e.status, e.wakeAt.Format(time.RFC3339))
}

// retryError schedules another attempt of a failed step.
type retryError struct {
	step    string
	attempt int
	wakeAt  time.Time
	err     error
}

func (e *retryError) Error() string {
	return fmt.Sprintf("step %s attempt %d failed: %v", e.step, e.attempt, e.err)
}

func (e *retryError) Unwrap() error { return e.err }

// StepFailedError is returned once a step exhausted its attempts or failed permanently.
type StepFailedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a step error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

var errLeaseLost = errors.New("workflow lease lost")
