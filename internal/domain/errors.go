package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRunTerminal = errors.New("run already in a terminal state")
	ErrTransition  = errors.New("invalid run status transition")
)

// ErrorKind classifies why a run (or a delivery) failed.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindSandbox        ErrorKind = "sandbox"
	KindTimeout        ErrorKind = "timeout"
	KindReconciliation ErrorKind = "reconciliation"
	KindNotification   ErrorKind = "notification"
	KindInternal       ErrorKind = "internal"
)

// Error carries a failure kind alongside the message recorded on a run.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error. err may be nil.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
