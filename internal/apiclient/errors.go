package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Class groups failures by how the caller should react.
type Class string

const (
	ClassTimeout  Class = "timeout"
	ClassNetwork  Class = "network"
	ClassServer   Class = "server"
	ClassClient   Class = "client"
	ClassCanceled Class = "canceled"
)

// Error is returned by [Client.Do] for every failure after the request
// was built. It deliberately omits response bodies.
type Error struct {
	Service  string
	Op       string
	Class    Class
	Status   int
	Attempts int
	err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s error", e.Service, e.Op, e.Class)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the policy allows another attempt.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassNetwork, ClassServer:
		return true
	}
	return false
}

// NotFound reports whether the service answered 404.
func (e *Error) NotFound() bool {
	return e.Class == ClassClient && e.Status == http.StatusNotFound
}

// UserMessage is a credential-free description safe to show end users.
func (e *Error) UserMessage() string {
	switch e.Class {
	case ClassClient:
		return "request rejected"
	case ClassCanceled:
		return "request canceled"
	default:
		return "service unavailable"
	}
}

// ClassOf returns the class of err if it is (or wraps) an *Error.
func ClassOf(err error) (Class, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class, true
	}
	return "", false
}

// IsNotFound reports whether err is a 404 from the remote service.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.NotFound()
}
