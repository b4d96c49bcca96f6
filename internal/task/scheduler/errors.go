package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrPersistence matches any *PersistenceError via errors.Is.
var ErrPersistence = errors.New("task persistence failed")

// PersistenceError is returned by FireAt when the task could not be stored.
// No task id exists in that case.
type PersistenceError struct {
	Event       string
	TriggerTime time.Time
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist task %q at %s: %v", e.Event, e.TriggerTime.Format(time.RFC3339Nano), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
