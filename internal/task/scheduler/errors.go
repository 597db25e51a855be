package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNoPolicy     = errors.New("no due-time policy configured")
	ErrBadInterval  = errors.New("interval must be > 0")
	ErrBadTimeOfDay = errors.New("invalid time of day")
)

// PolicyError reports a malformed due-time policy.
//
// A task holding a PolicyError is never due. It is logged, never fatal.
type PolicyError struct {
	Task  string
	Input string
	Err   error
}

func (e *PolicyError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("policy %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("task %q: policy %q: %v", e.Task, e.Input, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ActionError wraps a failure returned (or panicked) by a task action.
type ActionError struct {
	Task  string
	Err   error
	Panic bool
}

func (e *ActionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("task %q panicked: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
