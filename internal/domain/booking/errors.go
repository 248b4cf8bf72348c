package booking

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable classification tag carried by every engine error.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindInvalidConsultant    Kind = "invalid_consultant"
	KindNoEligibleConsultant Kind = "no_eligible_consultant"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindInvalidTransition    Kind = "invalid_transition"
	KindConflict             Kind = "conflict"
	KindTransient            Kind = "transient"
	KindThrottled            Kind = "throttled"
)

// Error is a classified booking error
type Error struct {
	Kind Kind
	// Op names the engine operation that failed, when known.
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare kind sentinels, so errors.Is(err, ErrNotFound) holds for
// any not_found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrInvalidConsultant    = &Error{Kind: KindInvalidConsultant}
	ErrNoEligibleConsultant = &Error{Kind: KindNoEligibleConsultant}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrForbidden            = &Error{Kind: KindForbidden}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrTransient            = &Error{Kind: KindTransient}
	ErrThrottled            = &Error{Kind: KindThrottled}
)

// ErrStatusChanged is returned by a Store when an atomic update finds the
// booking in a different status than the caller expected.
var ErrStatusChanged = &Error{Kind: KindConflict, Msg: "booking status changed concurrently"}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// an empty Kind when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithOp tags a classified error with the operation that produced it.
// Unclassified errors and errors already tagged are returned unchanged.
func WithOp(err error, op string) error {
	var e *Error
	if !errors.As(err, &e) || e.Op != "" {
		return err
	}
	tagged := *e
	tagged.Op = op
	return &tagged
}

// Classify leaves classified errors untouched and marks everything else,
// timeouts included, as transient.
func Classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTransient, err, msg+": timed out")
	}
	return Wrap(KindTransient, err, msg)
}
