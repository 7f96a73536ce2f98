package heartbeat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is wrapped by Register and Subscribe validation errors.
	ErrInvalidArgument = errors.New("heartbeat: invalid argument")
	ErrAlreadyStarted  = errors.New("heartbeat: ticker already started")
	ErrNotStarted      = errors.New("heartbeat: ticker not started")
	ErrDuplicateTaskID = errors.New("heartbeat: duplicate task id")
)

// CallbackFailure describes a task invocation that returned an error or panicked.
type CallbackFailure struct {
	TaskID string
	Count  uint64
	Err    error
}

func (f *CallbackFailure) Error() string {
	return fmt.Sprintf("task %s failed at count %d: %v", f.TaskID, f.Count, f.Err)
}

func (f *CallbackFailure) Unwrap() error { return f.Err }

// PublishFailure describes a liveness event the bus did not accept.
type PublishFailure struct {
	ServerID string
	Count    uint64
	Err      error
}

func (f *PublishFailure) Error() string {
	return fmt.Sprintf("liveness publish for %s at count %d failed: %v", f.ServerID, f.Count, f.Err)
}

func (f *PublishFailure) Unwrap() error { return f.Err }

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack string
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }
