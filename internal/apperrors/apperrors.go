// Package apperrors implements the orchestrator's error taxonomy (spec
// §7): a small set of error kinds, sentinel values for errors.Is, and an
// HTTP envelope shape for the control-surface adapter. Modeled on the
// teacher's pkg/provider error wrapping (Op/Provider/Bucket/Key/Err) and
// on the {error:{code,message}} body asserted by its server tests.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category (spec §7, "kinds, not types").
type Kind string

const (
	KindConfiguration   Kind = "CONFIGURATION"
	KindAllocation      Kind = "ALLOCATION"
	KindSupervisor      Kind = "SUPERVISOR"
	KindReadinessTimeout Kind = "READINESS_TIMEOUT"
	KindRuntimeCrash    Kind = "RUNTIME_CRASH"
	KindSync            Kind = "SYNC"
	KindExternalSurface Kind = "EXTERNAL_SURFACE"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindInternal        Kind = "INTERNAL"
)

// Sentinel errors usable with errors.Is across all components.
var (
	ErrExhausted       = errors.New("port space exhausted")
	ErrTimeout         = errors.New("operation timed out")
	ErrNotFound        = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal run state transition")
	ErrAlreadyRegistered = errors.New("already registered")
)

// Error wraps a component error with enough context to reproduce the
// decision that produced it (spec §7, "Propagation policy").
type Error struct {
	Kind      Kind
	Op        string // e.g. "servicedeps.StartServicesForRun"
	Component string // e.g. "variation_<runId>"
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Component, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(kind Kind, op, component string, err error) *Error {
	return &Error{Kind: kind, Op: op, Component: component, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsExhausted reports whether err indicates port-space exhaustion.
func IsExhausted(err error) bool { return errors.Is(err, ErrExhausted) }

// IsTimeout reports whether err indicates a hard timeout (readiness,
// HTTP call, or external binary-sync child).
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
