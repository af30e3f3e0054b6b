// Package parallaxerr provides the structured error taxonomy shared by every
// control-plane component. Error carries a Kind so callers can branch on
// failure policy (retry, fail fast, queue, propagate to supervisor) without
// string-matching messages, while still preserving error chains for
// errors.Is/errors.As.
package parallaxerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the policy it demands, per the error handling
// design: transient failures retry locally, contract violations fail fast at
// ingest, resource exhaustion is surfaced distinctly, agent-level failures
// propagate into workflow step results, and fatal failures go to the process
// supervisor without auto-restart.
type Kind int

const (
	// Unknown is the zero value; never constructed deliberately.
	Unknown Kind = iota
	// Transient is a network/consensus/state-bus blip; retry with backoff.
	Transient
	// ContractViolation is an invalid pattern, unknown role, cyclic
	// reportsTo, or invalid cron; never observed at runtime.
	ContractViolation
	// ResourceExhaustion means no healthy runtime or a spawn quota was hit.
	ResourceExhaustion
	// AgentLevel is a task timeout, agent error, or auth-required signal.
	AgentLevel
	// Fatal is a backing-store auth failure or unrecoverable config error.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case ContractViolation:
		return "contract_violation"
	case ResourceExhaustion:
		return "resource_exhaustion"
	case AgentLevel:
		return "agent_level"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Well-known codes referenced by the workflow engine and HTTP surface.
const (
	CodePatternNotFound    = "pattern-not-found"
	CodeRoleNotProvisioned = "role-not-provisioned"
	CodeStepFailed         = "step-failed"
	CodeTimeout            = "timeout"
	CodeCancelled          = "cancelled"
	CodeNoRuntime          = "no-runtime"
)

// Error is a structured control-plane failure that preserves message and
// causal context while implementing the standard error interface. Errors may
// nest via Cause to retain diagnostics across retries and component hops.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// New constructs an Error with the given kind, code and message.
func New(kind Kind, code, message string) *Error {
	if message == "" {
		message = code
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Errorf formats a message according to a format specifier.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind and Code, so
// callers can write errors.Is(err, parallaxerr.New(parallaxerr.Fatal, parallaxerr.CodeTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error; returns
// Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf extracts the Code of err if it is (or wraps) a *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
