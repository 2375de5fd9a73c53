// Package errdefs defines the error taxonomy shared by the backup and
// restore pipelines, and the mapping from error kind to process exit code.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for retry decisions and exit codes.
type Kind int

const (
	// KindUnknown is any failure outside the taxonomy.
	KindUnknown Kind = iota
	// KindConfiguration is a missing or invalid input; nothing was attempted.
	KindConfiguration
	// KindExport is a native dump process failure.
	KindExport
	// KindIntegrity is a decryption or authentication failure.
	KindIntegrity
	// KindTransport is an object-store operation that exhausted retries or was aborted.
	KindTransport
	// KindObjectNotFound is a restore target that does not exist. Never retried.
	KindObjectNotFound
	// KindApply is a native restore process failure.
	KindApply
)

// String returns the operator-facing label for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindExport:
		return "export"
	case KindIntegrity:
		return "integrity"
	case KindTransport:
		return "transport"
	case KindObjectNotFound:
		return "object_not_found"
	case KindApply:
		return "apply"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfiguration:
		return 2
	case KindExport:
		return 3
	case KindIntegrity:
		return 4
	case KindTransport:
		return 5
	case KindObjectNotFound:
		return 6
	case KindApply:
		return 7
	default:
		return 1
	}
}

// Error is a classified pipeline error. The wrapped cause may carry native
// process diagnostics; it must never carry secret values.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, prefixing it with context. A nil cause
// returns nil. If the cause is already classified, its kind is preserved so
// that wrapping at pipeline boundaries never launders a classification.
func Wrap(kind Kind, err error, context string) error {
	if err == nil {
		return nil
	}
	if existing := KindOf(err); existing != KindUnknown {
		kind = existing
	}
	return &Error{Kind: kind, Err: fmt.Errorf("%s: %w", context, err)}
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode returns the exit code for err: 0 for nil, the kind's code for
// classified errors, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
