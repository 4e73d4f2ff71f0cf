// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classes shared by all packages.
var (
	// ErrValidation marks rejected input: bad delays, empty batches, bad config.
	ErrValidation = errors.New("validation failed")

	// ErrInternal marks broken invariants and recovered panics.
	ErrInternal = errors.New("internal error")

	// ErrTimeout marks an operation that ran out of time.
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure marks a failed collaborator: closed loop, full mailbox, storage, Bot API.
	ErrDependencyFailure = errors.New("dependency failure")
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInternal
	KindTimeout
	KindDependencyFailure
	KindCanceled
)

var kindNames = [...]string{
	KindUnknown:           "Unknown",
	KindValidation:        "Validation",
	KindInternal:          "Internal",
	KindTimeout:           "Timeout",
	KindDependencyFailure: "DependencyFailure",
	KindCanceled:          "Canceled",
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// classifiers are checked in order; the first match wins for joined errors.
var classifiers = []struct {
	kind  Kind
	match func(error) bool
}{
	{KindCanceled, IsCanceled},
	{KindTimeout, IsTimeout},
	{KindValidation, IsValidation},
	{KindDependencyFailure, IsDependencyFailure},
	{KindInternal, IsInternal},
}

// KindOf classifies err. Returns KindUnknown for nil and unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, c := range classifiers {
		if c.match(err) {
			return c.kind
		}
	}
	return KindUnknown
}

func sentinelOf(kind Kind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindInternal:
		return ErrInternal
	case KindTimeout:
		return ErrTimeout
	case KindDependencyFailure:
		return ErrDependencyFailure
	default:
		return nil
	}
}

// MarkKind attaches the sentinel of kind to err, keeping err in the chain.
// A nil err yields the bare sentinel. Kinds without a sentinel (Unknown,
// Canceled) and errors already classified as kind are returned unchanged.
func MarkKind(err error, kind Kind) error {
	sentinel := sentinelOf(kind)
	if err == nil || sentinel == nil {
		if err == nil {
			return sentinel
		}
		return err
	}
	if KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// PanicError carries a value recovered from a panic. It is classified as KindInternal.
type PanicError struct {
	Value any
}

// Recovered converts a recovered panic value into an error.
func Recovered(r any) error {
	return &PanicError{Value: r}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", ErrInternal, e.Value)
}

// Unwrap exposes ErrInternal and, when the panic value is an error, the value itself.
func (e *PanicError) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrInternal, err}
	}
	return []error{ErrInternal}
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsValidation reports whether the error indicates input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInternal reports whether the error indicates an internal error.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// IsDependencyFailure reports whether the error indicates an external dependency failure.
func IsDependencyFailure(err error) bool {
	return errors.Is(err, ErrDependencyFailure)
}
