// Package apperror defines the error kinds surfaced by the processing pipeline and its API.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for persistence and HTTP mapping.
type Kind string

const (
	KindProbe      Kind = "probe"
	KindEncode     Kind = "encode"
	KindConcat     Kind = "concat"
	KindExtract    Kind = "extract"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
)

// maxOutputBytes bounds the tool diagnostics carried into Error().
const maxOutputBytes = 2048

// Error is a kind-tagged error. Output holds captured codec tool diagnostics, if any.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + tail(e.Output, maxOutputBytes)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Probe reports unreadable or unsupported media.
func Probe(op, msg string, err error) *Error {
	return &Error{Kind: KindProbe, Op: op, Msg: msg, Err: err}
}

// Encode reports a codec failure during normalization. output is the tool's stderr.
func Encode(op string, err error, output string) *Error {
	return &Error{Kind: KindEncode, Op: op, Err: err, Output: output}
}

// Concat reports a stitch failure.
func Concat(op string, err error, output string) *Error {
	return &Error{Kind: KindConcat, Op: op, Err: err, Output: output}
}

// Extract reports a hook clip or poster failure.
func Extract(op string, err error, output string) *Error {
	return &Error{Kind: KindExtract, Op: op, Err: err, Output: output}
}

// Validation reports a malformed request or missing inputs.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing project, segment or variant.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Storage reports a blob get or put failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
