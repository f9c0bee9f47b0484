// Package ncerrors defines the unified error taxonomy used across netchunk.
package ncerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories operators and
// callers need to branch on. It is never used for control flow inside a
// single function; only at package boundaries.
type Kind string

const (
	InvalidArgument     Kind = "InvalidArgument"
	OutOfMemory         Kind = "OutOfMemory"
	FileNotFound        Kind = "FileNotFound"
	FileAccess          Kind = "FileAccess"
	Io                  Kind = "Io"
	Network             Kind = "Network"
	Ftp                 Kind = "Ftp"
	ConfigParse         Kind = "ConfigParse"
	ConfigValidation    Kind = "ConfigValidation"
	ChunkIntegrity      Kind = "ChunkIntegrity"
	ManifestCorrupt     Kind = "ManifestCorrupt"
	ServerUnavailable   Kind = "ServerUnavailable"
	InsufficientServers Kind = "InsufficientServers"
	AuthFailure         Kind = "AuthFailure"
	StorageFull         Kind = "StorageFull"
	Crypto              Kind = "Crypto"
	Timeout             Kind = "Timeout"
	Cancelled           Kind = "Cancelled"
	UploadFailed        Kind = "UploadFailed"
	DownloadFailed      Kind = "DownloadFailed"
	Unknown             Kind = "Unknown"
)

// Error is the concrete error type carried through the system. Op names the
// failed primitive (e.g. "ftp.upload", "chunker.next") so a human reading
// a log line or CLI failure message knows exactly what stopped.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a leaf error of the given kind.
func New(kind Kind, op string, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap attaches a kind and an operation name to an underlying error,
// preserving it in the unwrap chain.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, walking the unwrap chain, or
// Unknown if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
