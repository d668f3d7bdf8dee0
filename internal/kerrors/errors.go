// Package kerrors classifies errors into the handful of categories the
// executor's retry loop and user-facing reporting care about: malformed
// data, transient network failure, local filesystem trouble, inconsistent
// persisted state, and deliberate cancellation. Every non-trivial error
// return in this codebase is wrapped with github.com/pkg/errors so a
// stack trace survives up to the top-level CLI error printer.
package kerrors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Category buckets an error for the retry loop and for friendly reporting.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryFormat
	CategoryNetwork
	CategoryFilesystem
	CategoryState
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryFormat:
		return "format"
	case CategoryNetwork:
		return "network"
	case CategoryFilesystem:
		return "filesystem"
	case CategoryState:
		return "state"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retriable reports whether the retry loop should narrow the install mode
// and try again rather than failing the task outright. Format and state
// errors mean the data itself is wrong, so retrying unchanged would just
// reproduce the same failure.
func (c Category) Retriable() bool {
	switch c {
	case CategoryNetwork, CategoryFilesystem:
		return true
	default:
		return false
	}
}

// FormatError marks data that failed to parse or validate: a corrupt
// segment, a manifest that doesn't round-trip, a hash mismatch.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string { return e.msg }

func NewFormatError(format string, args ...interface{}) error {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// NetworkError marks a failed or aborted HTTP round trip.
type NetworkError struct {
	msg string
	err error
}

func (e *NetworkError) Error() string { return e.msg }
func (e *NetworkError) Unwrap() error { return e.err }

func NetworkErrorf(err error, format string, args ...interface{}) error {
	return &NetworkError{msg: fmt.Sprintf(format, args...) + ": " + err.Error(), err: err}
}

// FilesystemError marks a local I/O failure: permission denied, disk full,
// a file locked by another process.
type FilesystemError struct {
	msg string
	err error
}

func (e *FilesystemError) Error() string { return e.msg }
func (e *FilesystemError) Unwrap() error { return e.err }

func FilesystemErrorf(err error, format string, args ...interface{}) error {
	return &FilesystemError{msg: fmt.Sprintf(format, args...) + ": " + err.Error(), err: err}
}

// StateError marks inconsistent persisted state: a metadata file that
// references a tag the manifest no longer has, a resume checkpoint that
// doesn't match the plan being resumed.
type StateError struct {
	msg string
}

func (e *StateError) Error() string { return e.msg }

func NewStateError(format string, args ...interface{}) error {
	return &StateError{msg: fmt.Sprintf(format, args...)}
}

// ClassifyStatus turns a non-2xx HTTP status into a categorized error.
// 4xx (other than 429 and 408) is treated as a format/request problem since
// retrying the same request unchanged cannot help; 5xx, 429, and 408 are
// treated as network errors worth retrying.
func ClassifyStatus(status int, url string) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return NetworkErrorf(errors.Errorf("status %d", status), "GET %s", url)
	case status >= 500:
		return NetworkErrorf(errors.Errorf("status %d", status), "GET %s", url)
	case status >= 400:
		return NewFormatError("GET %s: unexpected status %d", url, status)
	default:
		return NewFormatError("GET %s: unexpected status %d", url, status)
	}
}

// Classify inspects err (following Unwrap chains) and returns its Category,
// falling back to inspecting well-known stdlib error types for errors that
// crossed a package boundary without being wrapped by this package.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}

	var formatErr *FormatError
	var networkErr *NetworkError
	var fsErr *FilesystemError
	var stateErr *StateError
	switch {
	case errors.As(err, &formatErr):
		return CategoryFormat
	case errors.As(err, &networkErr):
		return CategoryNetwork
	case errors.As(err, &fsErr):
		return CategoryFilesystem
	case errors.As(err, &stateErr):
		return CategoryState
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EACCES) {
		return CategoryFilesystem
	}
	return CategoryUnknown
}

// Friendly maps an error to a short user-facing hint followed by the
// original error text. The hint is chosen by Classify's category, plus one
// message match ("connection refused") inside the network category: good
// enough to tell a user "check your disk" versus "check your connection"
// without pretending to explain every failure precisely. An unclassified
// error is returned as its own text.
func Friendly(err error) string {
	var hint string
	switch Classify(err) {
	case CategoryNetwork:
		hint = "network error, please check your connection and retry"
		if strings.Contains(err.Error(), "connection refused") {
			hint = "download server problem, try another source"
		}
	case CategoryFilesystem:
		hint = "local file error, please check disk space and permissions"
	case CategoryFormat:
		hint = "downloaded data was corrupt or the update source is invalid"
	case CategoryState:
		hint = "installation state is inconsistent, a clean reinstall may be required"
	case CategoryCancelled:
		hint = "operation was cancelled"
	default:
		return err.Error()
	}
	return hint + ": " + err.Error()
}
