package domain

import (
	"errors"
	"fmt"
)

// ErrEmptyTitle is returned when a task is created without a title.
var ErrEmptyTitle = errors.New("task title is empty")

// AuthError reports a failed sign-in or sign-out against the identity provider.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PersistenceError reports a failed call to the task store. The failure is
// scoped to the single request that produced it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
