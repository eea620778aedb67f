// Package phdierrors defines the error kinds surfaced at the library's
// public boundary. Every exported error is a small struct with an Error()
// method and a New* constructor, so callers can errors.As against a
// specific kind.
package phdierrors

import "fmt"

// InvalidArgumentError reports a null handle, an out-of-range index or size,
// or an incompatible set of access flags.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

func NewInvalidArgumentError(message string) *InvalidArgumentError {
	return &InvalidArgumentError{Message: message}
}

// AlreadySetError reports double-initialization of a value that may only be
// set once (e.g. the extent table, a pool entry).
type AlreadySetError struct {
	Message string
}

func (e *AlreadySetError) Error() string {
	return fmt.Sprintf("already set: %s", e.Message)
}

func NewAlreadySetError(message string) *AlreadySetError {
	return &AlreadySetError{Message: message}
}

// AlreadyOpenError reports an attempt to open a handle or file-IO handle
// that is already open.
type AlreadyOpenError struct {
	Message string
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("already open: %s", e.Message)
}

func NewAlreadyOpenError(message string) *AlreadyOpenError {
	return &AlreadyOpenError{Message: message}
}

// NotFoundError reports a required descriptor element, pool entry, or file
// that is missing.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{Message: message}
}

// InvalidFormatError reports a signature mismatch, a version mismatch, or a
// field value outside its permitted range.
type InvalidFormatError struct {
	Message string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid format: %s", e.Message)
}

func NewInvalidFormatError(message string) *InvalidFormatError {
	return &InvalidFormatError{Message: message}
}

// UnsupportedError reports a request or disk shape this read-only engine
// deliberately does not implement: write access, mixed image types on one
// disk, split storage with more than one snapshot, non-standard sector
// sizes, differential disks, and similar.
type UnsupportedError struct {
	Message string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported: %s", e.Message)
}

func NewUnsupportedError(message string) *UnsupportedError {
	return &UnsupportedError{Message: message}
}

// IOError wraps a short read, a seek failure, or another OS-level I/O error
// with the path it occurred against, when known.
type IOError struct {
	Path    string
	Message string
	Err     error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error for %s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Message, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func NewIOError(path, message string, err error) *IOError {
	return &IOError{Path: path, Message: message, Err: err}
}

// OutOfMemoryError rounds out the error-kind enumeration. Go has no
// recoverable allocation-failure signal, so nothing in this
// module constructs one directly; declared sizes that would lead to an
// unreasonable allocation are rejected as InvalidFormatError before any
// allocation is attempted.
type OutOfMemoryError struct {
	Message string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: %s", e.Message)
}

func NewOutOfMemoryError(message string) *OutOfMemoryError {
	return &OutOfMemoryError{Message: message}
}
