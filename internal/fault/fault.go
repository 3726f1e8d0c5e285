// Package fault is the error taxonomy shared by every spacesync layer.
//
// Callers branch on Code or Kind via errors.As, never on message text.
// Integrity and authorization faults are part of the security model and are
// never retried; transient faults may be retried or deferred.
package fault

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind groups codes by how the engine reacts to them.
type Kind string

const (
	KindIntegrity     Kind = "integrity"
	KindAuthorization Kind = "authorization"
	KindConcurrency   Kind = "concurrency"
	KindTransient     Kind = "transient"
	KindRace          Kind = "race"
	KindUsage         Kind = "usage"
)

// Code identifies a specific fault.
type Code string

const (
	// SignatureInvalid: a block or credential signature does not verify.
	SignatureInvalid Code = "SIGNATURE_INVALID"
	// SequenceGap: a remote block skips ahead of the replica tip.
	SequenceGap Code = "SEQUENCE_GAP"
	// MalformedAssertion: a credential payload violates its schema.
	MalformedAssertion Code = "MALFORMED_ASSERTION"
	// FeedFork: a remote block differs from the block held at its position.
	FeedFork Code = "FEED_FORK"

	UnauthorizedIssuer Code = "UNAUTHORIZED_ISSUER"
	NotAuthorized      Code = "NOT_AUTHORIZED"
	InvalidInvitation  Code = "INVALID_INVITATION"

	WriteConflict   Code = "WRITE_CONFLICT"
	RecursiveChange Code = "RECURSIVE_CHANGE"

	StorageFailure    Code = "STORAGE_FAILURE"
	MissingDependency Code = "MISSING_DEPENDENCY"
	OutOfRange        Code = "OUT_OF_RANGE"
	Timeout           Code = "TIMEOUT"

	StaleEpoch Code = "STALE_EPOCH"

	UnknownFeed     Code = "UNKNOWN_FEED"
	UnknownDocument Code = "UNKNOWN_DOCUMENT"
	UnknownSpace    Code = "UNKNOWN_SPACE"
	InvalidArgument Code = "INVALID_ARGUMENT"
)

var kinds = map[Code]Kind{
	SignatureInvalid:   KindIntegrity,
	SequenceGap:        KindIntegrity,
	MalformedAssertion: KindIntegrity,
	FeedFork:           KindIntegrity,
	UnauthorizedIssuer: KindAuthorization,
	NotAuthorized:      KindAuthorization,
	InvalidInvitation:  KindAuthorization,
	WriteConflict:      KindConcurrency,
	RecursiveChange:    KindConcurrency,
	StorageFailure:     KindTransient,
	MissingDependency:  KindTransient,
	OutOfRange:         KindTransient,
	Timeout:            KindTransient,
	StaleEpoch:         KindRace,
	UnknownFeed:        KindUsage,
	UnknownDocument:    KindUsage,
	UnknownSpace:       KindUsage,
	InvalidArgument:    KindUsage,
}

// Valid reports whether c is a registered code.
func (c Code) Valid() bool {
	_, ok := kinds[c]
	return ok
}

// Kind returns the category of c. Unregistered codes are usage faults.
func (c Code) Kind() Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindUsage
}

// Error is the structured fault type.
type Error struct {
	// Code identifies the fault.
	Code Code

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Details contains additional context (feed ids, positions, epochs).
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" (")
		for i, k := range slices.Sorted(maps.Keys(e.Details)) {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteByte(')')
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Kind returns the category of the fault.
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// With attaches a detail and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = fmt.Sprint(value)
	return e
}

// New creates a fault with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) a fault with the given code.
// Every fault in the chain is checked, not only the outermost one.
func Is(err error, code Code) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// KindOf returns the kind of the outermost fault in err, or "" if err
// carries no fault.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind()
	}
	return ""
}

// Retryable reports whether the engine may retry the failed operation.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
