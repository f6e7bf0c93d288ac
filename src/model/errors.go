package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrCorruptSession   = errors.New("corrupt session")
	ErrConcurrentAccess = errors.New("session is held by another writer")
	ErrTaskConflict     = errors.New("a task is already active")
	ErrInvalidPlan      = errors.New("invalid plan")
	ErrPersistence      = errors.New("persistence failed")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotActive    = errors.New("task is not active")
	ErrInvalidStep      = errors.New("invalid step")
	ErrClosed           = errors.New("session closed")
)

// SessionError ties an error kind to the session and operation it came from
type SessionError struct {
	Op        string
	SessionID string
	Kind      error
	Err       error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewSessionError builds a SessionError of the given kind
func NewSessionError(op, sessionID string, kind, err error) error {
	return &SessionError{Op: op, SessionID: sessionID, Kind: kind, Err: err}
}
