// Package apperr holds the error taxonomy shared by the core managers and the
// HTTP layer. Every failure carries a kind and, optionally, a reason; both are
// sentinels that work with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Kinds.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
	ErrStorage       = errors.New("storage error")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnavailable   = errors.New("service unavailable")
)

// Reasons.
var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrWrongPassword    = errors.New("wrong password")
	ErrInactiveUser     = errors.New("inactive user")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrCodeIncorrect    = errors.New("incorrect code")
	ErrCodeExpired      = errors.New("code expired")
	ErrAttemptsExceeded = errors.New("attempts exceeded")
	ErrCodeNotFound     = errors.New("code not found")
	ErrShareNotFound    = errors.New("share request not found")
	ErrShareResolved    = errors.New("share request already resolved")
	ErrShareExpired     = errors.New("share request expired")
	ErrNotVerified      = errors.New("profile not verified")
)

var kinds = []error{
	ErrValidation, ErrAuthFailed, ErrForbidden, ErrNotFound,
	ErrAlreadyExists, ErrConflict, ErrStorage, ErrRateLimited, ErrUnavailable,
}

type Error struct {
	Kind   error
	Reason error
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Reason != nil {
		msg = e.Reason.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 3)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Reason != nil {
		out = append(out, e.Reason)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func WithReason(kind, reason error, msg string) error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

func Wrap(kind error, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(msg string) error { return New(ErrValidation, msg) }

func NotFound(msg string) error { return New(ErrNotFound, msg) }

func Storage(msg string, err error) error { return Wrap(ErrStorage, msg, err) }

// KindOf returns the kind sentinel of err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message returns the caller-facing message without the wrapped cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Reason != nil {
			return e.Reason.Error()
		}
		return e.Kind.Error()
	}
	return err.Error()
}
