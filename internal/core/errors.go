// Package core defines the error taxonomy shared by every Casparian Flow
// subsystem. All failure modes map onto a closed set of kinds; callers branch
// on the kind, never on message text.
package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed: new kinds require updating
// every switch that renders or routes errors.
type Kind string

const (
	KindIO                Kind = "IO"
	KindDatabase          Kind = "Database"
	KindSerialization     Kind = "Serialization"
	KindNotFound          Kind = "NotFound"
	KindConstraint        Kind = "Constraint"
	KindInvalidState      Kind = "InvalidState"
	KindPattern           Kind = "Pattern"
	KindSchemaViolation   Kind = "SchemaViolation"
	KindSchemaMismatch    Kind = "SchemaMismatch"
	KindApprovalMismatch  Kind = "ApprovalMismatch"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindCancelled         Kind = "Cancelled"
	KindTimeout           Kind = "Timeout"
	KindUnsupported       Kind = "Unsupported"
)

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind       Kind
	Message    string
	Context    string // what was being attempted
	Suggestion string // optional operator hint
	Transient  bool   // retry budget permitting, the operation may be retried
	Err        error  // wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an error of the given kind.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithContext records what was being attempted when the error occurred.
func (e *Error) WithContext(format string, args ...interface{}) *Error {
	e.Context = fmt.Sprintf(format, args...)
	return e
}

// WithSuggestion records an operator-facing remediation hint.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// AsTransient marks the error as retryable.
func (e *Error) AsTransient() *Error {
	e.Transient = true
	return e
}

// IsKind reports whether err (or anything it wraps) is a core.Error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	return false
}

// KindOf returns the kind of err, or KindIO when err carries no kind.
// Unclassified errors are treated as IO because they almost always originate
// at a system boundary.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindIO
}

// ParseKind maps a kind string from the wire back into the closed set.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindIO, KindDatabase, KindSerialization, KindNotFound, KindConstraint,
		KindInvalidState, KindPattern, KindSchemaViolation, KindSchemaMismatch,
		KindApprovalMismatch, KindProtocolViolation, KindCancelled, KindTimeout,
		KindUnsupported:
		return Kind(s), true
	}
	return "", false
}

// IsTransient reports whether the error permits a retry.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}
