// Package failure defines the engine's error taxonomy and the policy that
// decides how a failed task is recovered (retry, requeue, escalate or fail).
package failure

import (
	"errors"
	"fmt"
)

// Code identifies an error category reported to callers.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeNoEligibleAgent    Code = "no_eligible_agent"
	CodeResourceExhausted  Code = "resource_exhausted"
	CodeTaskExecution      Code = "task_execution_error"
	CodeWorkflowTimeout    Code = "workflow_timeout"
	CodeDuplicateAgent     Code = "duplicate_agent"
	CodeCyclicHierarchy    Code = "cyclic_hierarchy"
	CodeUnknownAgent       Code = "unknown_agent"
	CodeCapabilityMismatch Code = "capability_mismatch"
	CodeNotFound           Code = "not_found"
	CodeInvalidTransition  Code = "invalid_transition"
)

// Kind is the recovery class of a task failure.
type Kind string

const (
	KindTransient          Kind = "transient"
	KindPermanent          Kind = "permanent"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindCapabilityMismatch Kind = "capability_mismatch"
)

// Error is a coded error carrying its recovery kind.
type Error struct {
	Code    Code   `json:"code"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
		}
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrNoEligibleAgent    = &Error{Code: CodeNoEligibleAgent}
	ErrResourceExhausted  = &Error{Code: CodeResourceExhausted}
	ErrTaskExecution      = &Error{Code: CodeTaskExecution}
	ErrWorkflowTimeout    = &Error{Code: CodeWorkflowTimeout}
	ErrDuplicateAgent     = &Error{Code: CodeDuplicateAgent}
	ErrCyclicHierarchy    = &Error{Code: CodeCyclicHierarchy}
	ErrUnknownAgent       = &Error{Code: CodeUnknownAgent}
	ErrCapabilityMismatch = &Error{Code: CodeCapabilityMismatch}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
)

// defaultKind maps a code to the recovery class used when none is given.
func defaultKind(code Code) Kind {
	switch code {
	case CodeResourceExhausted:
		return KindResourceExhausted
	case CodeCapabilityMismatch:
		return KindCapabilityMismatch
	case CodeTaskExecution:
		return KindTransient
	default:
		return KindPermanent
	}
}

// New creates a coded error with the code's default kind.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Kind: defaultKind(code), Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Kind: defaultKind(code), Message: msg, Cause: cause}
}

// Transient marks an agent error as retryable.
func Transient(cause error) *Error {
	return &Error{Code: CodeTaskExecution, Kind: KindTransient, Cause: cause}
}

// Permanent marks an agent error as not retryable.
func Permanent(cause error) *Error {
	return &Error{Code: CodeTaskExecution, Kind: KindPermanent, Cause: cause}
}

// Exhausted marks an agent error as back-pressure from the agent side.
func Exhausted(cause error) *Error {
	return &Error{Code: CodeResourceExhausted, Kind: KindResourceExhausted, Cause: cause}
}

// Mismatch marks an agent error as "this agent cannot do this task".
func Mismatch(cause error) *Error {
	return &Error{Code: CodeCapabilityMismatch, Kind: KindCapabilityMismatch, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeTaskExecution for foreign errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeTaskExecution
}
