// Package vaulterr provides the closed error-kind taxonomy for the vault
// engine. Every boundary function returns either a typed
// success or a *vaulterr.Error carrying a Kind from this closed space —
// never a bare string.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind is the closed space of error categories. New kinds are added here,
// never invented ad hoc at call sites.
type Kind string

// Input errors.
const (
	KindInvalidInput     Kind = "InvalidInput"
	KindMissingParameter Kind = "MissingParameter"
	KindInvalidPath      Kind = "InvalidPath"
	KindPathTraversal    Kind = "PathTraversal"
	KindInvalidKeyLabel  Kind = "InvalidKeyLabel"
	KindWeakPassphrase   Kind = "WeakPassphrase"
	KindFileTooLarge     Kind = "FileTooLarge"
	KindTooManyFiles     Kind = "TooManyFiles"
)

// Permission errors.
const (
	KindPermissionDenied   Kind = "PermissionDenied"
	KindPathNotAllowed     Kind = "PathNotAllowed"
	KindReadOnlyFileSystem Kind = "ReadOnlyFileSystem"
)

// Not-found errors.
const (
	KindKeyNotFound       Kind = "KeyNotFound"
	KindFileNotFound      Kind = "FileNotFound"
	KindDirectoryNotFound Kind = "DirectoryNotFound"
	KindOperationNotFound Kind = "OperationNotFound"
)

// Operation errors.
const (
	KindEncryptionFailed     Kind = "EncryptionFailed"
	KindDecryptionFailed     Kind = "DecryptionFailed"
	KindStorageFailed        Kind = "StorageFailed"
	KindArchiveCorrupted     Kind = "ArchiveCorrupted"
	KindManifestInvalid      Kind = "ManifestInvalid"
	KindIntegrityCheckFailed Kind = "IntegrityCheckFailed"
	KindConcurrentOperation  Kind = "ConcurrentOperation"
)

// Resource errors.
const (
	KindDiskSpaceInsufficient Kind = "DiskSpaceInsufficient"
	KindMemoryInsufficient    Kind = "MemoryInsufficient"
	KindFilesystemError       Kind = "FilesystemError"
)

// Security errors.
const (
	KindInvalidKey         Kind = "InvalidKey"
	KindWrongPassphrase    Kind = "WrongPassphrase"
	KindWrongPin           Kind = "WrongPin"
	KindPinBlocked         Kind = "PinBlocked"
	KindTamperedData       Kind = "TamperedData"
	KindUnauthorizedAccess Kind = "UnauthorizedAccess"
)

// Hardware errors.
const (
	KindDeviceNotPresent Kind = "DeviceNotPresent"
	KindSlotOccupied     Kind = "SlotOccupied"
	KindDeviceBusy       Kind = "DeviceBusy"
	KindDeviceTimeout    Kind = "DeviceTimeout"
	KindTouchRequired    Kind = "TouchRequired"
	KindPluginIO         Kind = "PluginIO"
	KindAgeBinaryMissing Kind = "AgeBinaryMissing"
)

// Internal errors.
const (
	KindInternalError      Kind = "InternalError"
	KindUnexpectedError    Kind = "UnexpectedError"
	KindConfigurationError Kind = "ConfigurationError"
)

// fatalKinds never retry; the operation is aborted and partial outputs
// removed.
var fatalKinds = map[Kind]bool{
	KindArchiveCorrupted:     true,
	KindTamperedData:         true,
	KindIntegrityCheckFailed: true,
	KindInternalError:        true,
}

// Error is the universal error type carried across every layer of the
// engine. Lower layers construct it with the most specific Kind they know;
// higher layers pass it through unchanged (Wrap only ADDS context, never
// rewrites Kind).
type Error struct {
	Kind       Kind
	Message    string
	Details    string
	Recovery   string // short, user-facing recovery sentence
	Actionable bool   // true: GUI should prompt for input; false: surface to logs
	TraceID    string
	cause      error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Fatal reports whether this Kind is non-retryable.
func (e *Error) Fatal() bool { return fatalKinds[e.Kind] }

// New constructs a new *Error at a given layer. message is human-readable;
// recovery is a short actionable sentence; actionable tells the GUI
// whether to prompt vs. log.
func New(kind Kind, message, recovery string, actionable bool) *Error {
	return &Error{Kind: kind, Message: message, Recovery: recovery, Actionable: actionable}
}

// Wrap attaches a lower-layer cause to a *Error without changing its Kind,
// so the original classification survives verbatim up the call stack.
func Wrap(kind Kind, message, recovery string, actionable bool, cause error) *Error {
	e := New(kind, message, recovery, actionable)
	e.cause = cause
	return e
}

// WithDetails returns a copy of e with Details set. Use this to add
// layer-specific context without fabricating a new Kind.
func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithTraceID returns a copy of e tagged with a correlation/trace ID.
func (e *Error) WithTraceID(traceID string) *Error {
	clone := *e
	clone.TraceID = traceID
	return &clone
}

// WithContext wraps err with additional prose context without inventing a
// new Kind; if err is already a *Error, the Kind is preserved and only the
// Message is annotated.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		clone := *ve
		clone.Message = context + ": " + ve.Message
		return &clone
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// As is a thin re-export of errors.As for callers that prefer this
// package's namespace.
func As(err error, target any) bool { return errors.As(err, target) }
