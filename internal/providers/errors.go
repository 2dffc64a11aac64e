package providers

import (
	"context"
	"errors"
	"fmt"
)

// Class is the failover-relevant category of an adapter error.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassAuth          Class = "auth"
	ClassQuota         Class = "quota"
	ClassTransient     Class = "transient"
	ClassUnknown       Class = "unknown"
)

// Error is a classified adapter failure. Fatal marks failures the backend
// reported as definitive (revoked key, exhausted billing quota); they trip
// failover on the first occurrence.
type Error struct {
	Class      Class
	Provider   string
	Fatal      bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, provider string, err error) *Error {
	return &Error{Class: class, Provider: provider, Err: err}
}

func ConfigurationError(provider string, err error) *Error {
	return newError(ClassConfiguration, provider, err)
}

func AuthError(provider string, err error) *Error {
	return newError(ClassAuth, provider, err)
}

func QuotaError(provider string, err error) *Error {
	return newError(ClassQuota, provider, err)
}

func TransientError(provider string, err error) *Error {
	return newError(ClassTransient, provider, err)
}

func UnknownError(provider string, err error) *Error {
	return newError(ClassUnknown, provider, err)
}

// WithStatus records the HTTP status that produced e.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// AsFatal marks e as definitive.
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}

// Classify returns err as a classified *Error. Context expiry counts as
// transient; anything else an adapter failed to classify is unknown.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransientError(provider, err)
	}
	return UnknownError(provider, err)
}

// ClassOf reports the class of err, ClassUnknown when it is unclassified.
func ClassOf(err error) Class {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	return ClassUnknown
}

func IsFatal(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Fatal
}
