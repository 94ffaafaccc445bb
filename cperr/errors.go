// Package cperr defines the error taxonomy used across the ControlPoint
// packages (ssdp, loader, registry, subscribe, gena, controlpoint).
package cperr

import (
	"errors"
	"fmt"
)

// Kind classifies a ControlPoint error, per spec.md §7.
type Kind int

const (
	// Network covers socket bind/send/receive failures, HTTP non-2xx
	// responses, and other I/O failures.
	Network Kind = iota
	// Protocol covers malformed HTTP/SSDP header blocks, missing required
	// headers, and invalid TIMEOUT tokens (the caller still falls back to
	// the default timeout; this is reported for observability only).
	Protocol
	// InvalidDescription covers XML parse failures, missing required
	// elements, and unresolved relatedStateVariable references.
	InvalidDescription
	// InvalidState covers an operation invoked in a disallowed lifecycle
	// state, e.g. search before start.
	InvalidState
	// NotFound covers a UDN or SID lookup miss when the caller required
	// existence.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case InvalidDescription:
		return "invalid-description"
	case InvalidState:
		return "invalid-state"
	case NotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried by this module's public API.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause. If cause is nil,
// Wrap behaves like New.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
