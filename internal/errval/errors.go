package errval

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInternal      = errors.New("internal server error")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
	ErrTransient     = errors.New("transient failure")

	ErrQueueNotFound   = errors.New("queue not found")
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrNoQueues        = errors.New("no queues available")
	ErrPoolNotRunning  = errors.New("worker pool is not running")
	ErrLockNotAcquired = errors.New("lock is held by another process")
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnprocessable Kind = "unprocessable"
	KindTransient     Kind = "transient"
	KindInternal      Kind = "internal"
)

// Error is a classified error; Message is safe to show to whoever polls the task.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrConflict) and friends match on the kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindUnprocessable:
		return ErrUnprocessable
	case KindTransient:
		return ErrTransient
	default:
		return ErrInternal
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Unprocessable(format string, args ...any) *Error {
	return New(KindUnprocessable, fmt.Sprintf(format, args...))
}

func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// KindOf reports the kind of err. Deadlines are transient, anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrQueueNotFound), errors.Is(err, ErrWorkerNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLockNotAcquired):
		return KindConflict
	case errors.Is(err, ErrUnprocessable), errors.Is(err, ErrNoQueues), errors.Is(err, ErrPoolNotRunning):
		return KindUnprocessable
	case errors.Is(err, ErrTransient):
		return KindTransient
	}

	return KindInternal
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// Message returns the human readable part of err
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
