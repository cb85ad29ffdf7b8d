// Package vfs defines the shared types and the FileSystem capability
// interface implemented by ro, rw, and overlay.
package vfs

import (
	"errors"
	"fmt"
)

// ErrKind is the closed set of error kinds a FileSystem operation can fail
// with. Kernel bridges translate these to errno at the boundary.
type ErrKind int

const (
	ErrUnknown ErrKind = iota
	ErrNotFound
	ErrAlreadyExists
	ErrNotADirectory
	ErrIsADirectory
	ErrDirectoryNotEmpty
	ErrPermissionDenied
	ErrInvalidData
	ErrInvalidParameter
	ErrUnexpectedEOF
	ErrNotSupported
	ErrCryptoError
	ErrIntegrityCheck
	ErrCacheFull
	ErrCacheNeedHint
	ErrIncompatibleMetadata
	ErrSuperBlockCheckFailed
	ErrIOError
)

func (k ErrKind) String() string {
	switch k {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrNotADirectory:
		return "not a directory"
	case ErrIsADirectory:
		return "is a directory"
	case ErrDirectoryNotEmpty:
		return "directory not empty"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrInvalidData:
		return "invalid data"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrUnexpectedEOF:
		return "unexpected eof"
	case ErrNotSupported:
		return "not supported"
	case ErrCryptoError:
		return "crypto error"
	case ErrIntegrityCheck:
		return "integrity check failed"
	case ErrCacheFull:
		return "cache full"
	case ErrCacheNeedHint:
		return "cache needs hint"
	case ErrIncompatibleMetadata:
		return "incompatible metadata"
	case ErrSuperBlockCheckFailed:
		return "superblock check failed"
	case ErrIOError:
		return "io error"
	default:
		return "unknown error"
	}
}

// Error is the structured error type returned by core operations. It wraps
// an ErrKind plus an optional underlying cause and context string.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, New(kind)) to match regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an *Error with the given kind and no wrapped cause.
func New(kind ErrKind) *Error {
	return &Error{Kind: kind}
}

// Wrap creates an *Error with the given kind wrapping err, tagged with op.
func Wrap(op string, kind ErrKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind ErrKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel, argument-free errors for the handful of conditions that never
// carry extra context (mirrors the teacher's plain errors.New sentinels).
var (
	ErrShortIO = errors.New("eccfs: short read or write")
)
