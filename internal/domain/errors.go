package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. NotFound and Forbidden are never
// retried internally.
var (
	ErrNotFound          = errors.New("record not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConnectionExists  = errors.New("connection already exists")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrConnectionClosed  = errors.New("connection destroyed")
	ErrNotReady          = errors.New("connection not ready")
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrJobCancelled      = errors.New("job cancelled")
)

// NotReadyError names the connection state that prevented an operation.
type NotReadyError struct {
	State string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("connection not ready: state=%s", e.State)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}
