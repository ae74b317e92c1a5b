// Package vdberr defines the error taxonomy shared by every layer of the
// vector database, from the data node handler up through the coordinator.
// Errors are sentinel values usable with errors.Is/errors.As; Code() gives a
// stable string that survives a gob-encoded RPC round trip, since the
// concrete error types themselves do not.
package vdberr

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the taxonomy in the storage-engine spec's error
// handling section.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("unavailable")
	ErrIndexError   = errors.New("index error")
	ErrIOError      = errors.New("io error")
	ErrTransport    = errors.New("transport error")
)

// codeOf maps a sentinel to the wire code carried in RPC responses.
var codeOf = map[error]string{
	ErrInvalidInput: "InvalidInput",
	ErrNotFound:     "NotFound",
	ErrUnavailable:  "Unavailable",
	ErrIndexError:   "IndexError",
	ErrIOError:      "IOError",
	ErrTransport:    "TransportError",
}

var sentinelOf = map[string]error{
	"InvalidInput":   ErrInvalidInput,
	"NotFound":       ErrNotFound,
	"Unavailable":    ErrUnavailable,
	"IndexError":     ErrIndexError,
	"IOError":        ErrIOError,
	"TransportError": ErrTransport,
}

// wrapped carries a sentinel plus a formatted message; it supports
// errors.Is/errors.Unwrap against its sentinel.
type wrapped struct {
	sentinel error
	msg      string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.sentinel }

// Wrap builds an error that Is(sentinel) reports true for, formatted with
// the given message.
func Wrap(sentinel error, format string, args ...any) error {
	return &wrapped{sentinel: sentinel, msg: fmt.Sprintf(format, args...)}
}

// Invalid, NotFound, Unavailable, Index, IO, Transport are convenience
// constructors for the six taxonomy members.
func Invalid(format string, args ...any) error    { return Wrap(ErrInvalidInput, format, args...) }
func NotFound(format string, args ...any) error    { return Wrap(ErrNotFound, format, args...) }
func Unavailable(format string, args ...any) error { return Wrap(ErrUnavailable, format, args...) }
func Index(format string, args ...any) error       { return Wrap(ErrIndexError, format, args...) }
func IO(format string, args ...any) error          { return Wrap(ErrIOError, format, args...) }
func Transport(format string, args ...any) error   { return Wrap(ErrTransport, format, args...) }

// Code returns the stable wire code for an error produced by this package,
// or "" if err does not wrap one of the taxonomy sentinels.
func Code(err error) string {
	for _, s := range []error{ErrInvalidInput, ErrNotFound, ErrUnavailable, ErrIndexError, ErrIOError, ErrTransport} {
		if errors.Is(err, s) {
			return codeOf[s]
		}
	}
	return ""
}

// FromCode reconstructs an error carrying the given wire code and message,
// used on the receiving side of an RPC response whose concrete Go error type
// did not survive the gob encoding.
func FromCode(code, message string) error {
	sentinel, ok := sentinelOf[code]
	if !ok {
		if message == "" {
			return nil
		}
		return errors.New(message)
	}
	if message == "" {
		message = sentinel.Error()
	}
	return &wrapped{sentinel: sentinel, msg: message}
}
