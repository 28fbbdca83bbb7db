package run

import (
	"errors"
	"fmt"
)

var (
	// validation
	ErrInvalidRunType                  = errors.New("invalid run type")
	ErrOwnerRequired                   = errors.New("owner id required")
	ErrSynchronizedMissingParticipants = errors.New("synchronized run missing participants")
	ErrDistanceOutOfRange              = errors.New("distance out of range")
	ErrPaceOutOfRange                  = errors.New("average pace out of range")
	ErrDurationOutOfRange              = errors.New("run duration out of range")

	// state transitions
	ErrSessionAlreadyActive   = errors.New("a run session is already active")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoActiveSession        = errors.New("no active run session")
)

// TransitionError reports an operation attempted from a state that does not
// allow it.
type TransitionError struct {
	Op   string
	From Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// PersistenceError wraps a repository failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist run (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
