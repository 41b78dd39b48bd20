// Package orcherr defines the error-kind taxonomy used throughout the
// orchestrator (spec §7). Retry and escalation decisions branch on
// Kind, never on a concrete error type.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for retry/escalation purposes.
type Kind string

const (
	KindInfrastructure Kind = "infrastructure" // broker/store/graph connectivity
	KindRateLimit      Kind = "rate_limit"     // LLM 429 / timeout, non-counting toward breakers
	KindValidation     Kind = "validation"     // malformed output, schema violation
	KindProcessing     Kind = "processing"     // handler bug, data inconsistency
	KindSystem         Kind = "system"         // memory, deadline
	KindConfiguration  Kind = "configuration"  // bad config / auth
)

// Severity ranks how loudly an error should be surfaced.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Error is the structured error carried through job results, outbox
// failures, and breaker bookkeeping.
type Error struct {
	Kind          Kind
	Severity      Severity
	Recoverable   bool
	CorrelationID string
	Message       string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind wrapping cause, with the
// per-kind severity/recoverable defaults applied.
func New(kind Kind, message string, cause error) *Error {
	sev, recoverable := defaults(kind)
	return &Error{Kind: kind, Severity: sev, Recoverable: recoverable, Message: message, cause: cause}
}

func defaults(kind Kind) (Severity, bool) {
	switch kind {
	case KindInfrastructure:
		return SeverityCritical, true
	case KindRateLimit:
		return SeverityMedium, true
	case KindValidation:
		return SeverityMedium, false
	case KindProcessing:
		return SeverityMedium, true
	case KindSystem:
		return SeverityHigh, false
	case KindConfiguration:
		return SeverityCritical, false
	default:
		return SeverityMedium, false
	}
}

// KindOf extracts the Kind from err if it (or a wrapped ancestor) is
// an *Error, defaulting to KindProcessing otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcessing
}

// Retryable reports whether the Managed Worker should requeue err
// rather than fail the job outright.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return true
}
