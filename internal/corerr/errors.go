// Package corerr defines the error taxonomy shared across the SDK core.
//
// Every exported operation returns one of the Kind values below, wrapped
// with context via Wrap or constructed fresh via New. Callers classify
// errors with errors.Is(err, corerr.ResourceNotFound), exactly like the
// sentinel-error style used throughout internal/handlers in the server this
// package was extracted from.
package corerr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error categories from the design's error
// taxonomy. Kind values are themselves errors so they can be used directly
// with errors.Is.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	// InvalidArgument is raised by argument validators: empty group, oversize
	// group, malformed base64, unknown recipient, unsupported provisional
	// target.
	InvalidArgument = &Kind{"invalid argument"}

	// InvalidEncryptionFormat is raised by the resource codec on an unknown
	// version byte.
	InvalidEncryptionFormat = &Kind{"invalid encryption format"}

	// DecryptionFailed is raised on truncated buffers or AEAD authentication
	// failure, and by the key decryptor when no local secret unseals a
	// key-publish record.
	DecryptionFailed = &Kind{"decryption failed"}

	// ResourceNotFound means no key-publish exists for a queried resource.
	ResourceNotFound = &Kind{"resource not found"}

	// GroupTooBig means a share or group-mutation call exceeded MaxGroupSize.
	GroupTooBig = &Kind{"group too big"}

	// PreconditionFailed means an operation was invoked in the wrong session
	// status.
	PreconditionFailed = &Kind{"precondition failed"}

	// InvalidVerification means a provisional-identity verification proof
	// did not match the pending identity.
	InvalidVerification = &Kind{"invalid verification"}

	// TooManyAttempts is surfaced from the verification server.
	TooManyAttempts = &Kind{"too many attempts"}

	// ExpiredVerification is surfaced from the verification server.
	ExpiredVerification = &Kind{"expired verification"}

	// NetworkError is transient; the core never retries it itself.
	NetworkError = &Kind{"network error"}

	// OperationCanceled is raised when a context is canceled mid-operation.
	OperationCanceled = &Kind{"operation canceled"}

	// InternalError marks programmer errors: unreachable branches, invariant
	// violations. Never caught inside the core.
	InternalError = &Kind{"internal error"}
)

// coreError pairs a Kind with a message and, optionally, the resource ID the
// failure concerns (spec.md's resource codec errors "carry the affected
// resourceId when known").
type coreError struct {
	kind       *Kind
	msg        string
	resourceID string
	cause      error
}

func (e *coreError) Error() string {
	if e.resourceID != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s (resource %s): %v", e.kind.name, e.msg, e.resourceID, e.cause)
		}
		return fmt.Sprintf("%s: %s (resource %s)", e.kind.name, e.msg, e.resourceID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind.name, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind.name, e.msg)
}

func (e *coreError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.kind
}

func (e *coreError) Is(target error) bool {
	return target == e.kind
}

// New creates a Kind-tagged error with a message.
func New(kind *Kind, msg string) error {
	return &coreError{kind: kind, msg: msg}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind *Kind, format string, args ...interface{}) error {
	return &coreError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a Kind-tagged error that wraps an underlying cause.
func Wrap(kind *Kind, cause error, msg string) error {
	return &coreError{kind: kind, msg: msg, cause: cause}
}

// WithResource attaches a hex-encoded resource ID to an error for context,
// matching spec.md §7's "carries the affected resourceId when known".
func WithResource(kind *Kind, msg string, resourceID string) error {
	return &coreError{kind: kind, msg: msg, resourceID: resourceID}
}

// Is reports whether err (or any error it wraps) matches kind.
func Is(err error, kind *Kind) bool {
	return errors.Is(err, kind)
}
