package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
//
// CapacityUnavailable and ProviderUnavailable are recoverable: the
// scheduler queues or retries. InvalidConfig, AuthFailure, and
// UnknownProvider are permanent and must not be retried.
var (
	ErrAuthFailure         = errors.New("provider authentication failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	ErrInvalidConfig       = errors.New("invalid instance configuration")
	ErrNotFound            = errors.New("instance not found")
	ErrUnknownProvider     = errors.New("unknown provider")
)

// Error wraps a sentinel with the operation and provider that produced it.
type Error struct {
	Op       string // e.g. "ec2.Deploy"
	Provider string // provider slug
	Sentinel error
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v: %v", e.Op, e.Provider, e.Sentinel, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Provider, e.Sentinel)
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Errorf builds a classified provider error.
func Errorf(op, providerSlug string, sentinel, cause error) error {
	return &Error{Op: op, Provider: providerSlug, Sentinel: sentinel, Cause: cause}
}

// Recoverable reports whether the error is worth retrying or queuing.
func Recoverable(err error) bool {
	return errors.Is(err, ErrCapacityUnavailable) || errors.Is(err, ErrProviderUnavailable)
}
