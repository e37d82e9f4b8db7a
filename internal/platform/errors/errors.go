// Package errors provides a kinded error type used to route failures between pipeline stages.
package errors

// Import as perr to avoid shadowing the standard library package.

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can branch on it instead of on concrete types
type Kind uint16

const (
	// KindUnknown is for unclassified errors
	KindUnknown Kind = iota

	// KindInvalidArgument is for bad input parameters
	KindInvalidArgument

	// KindValidation is for rejected input data (e.g. a malformed upload)
	KindValidation

	// KindNotFound is for missing resources, including ones owned by someone else
	KindNotFound

	// KindConflict is for a conditional write that lost (status already moved on)
	KindConflict

	// KindUnauthorized is for a missing caller identity
	KindUnauthorized

	// KindUnavailable is for transient infrastructure failures
	KindUnavailable

	// KindRemote is for failures of the remote detection call
	KindRemote

	// KindArtifact is for failures persisting a result artifact
	KindArtifact

	// KindPersistence is for failures writing to the document store
	KindPersistence
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindInvalidArgument: "invalid_argument",
	KindValidation:      "validation",
	KindNotFound:        "not_found",
	KindConflict:        "conflict",
	KindUnauthorized:    "unauthorized",
	KindUnavailable:     "unavailable",
	KindRemote:          "remote",
	KindArtifact:        "artifact",
	KindPersistence:     "persistence",
}

// String returns the stable wire name of k
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// HTTPStatusCode maps a Kind to an HTTP status
func HTTPStatusCode(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrNotFound is the sentinel returned for missing or foreign-owned records
var ErrNotFound = New(KindNotFound, "not found")

// Error is the structured error type; msg is developer facing, kind is machine facing
type Error struct {
	orig error
	msg  string
	kind Kind
	op   string
}

// Wire is the JSON form returned by the API
type Wire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error { return e.orig }

// Kind returns the error kind
func (e *Error) Kind() Kind { return e.kind }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// New returns an *Error with the given kind and message
func New(kind Kind, msg string) error { return &Error{kind: kind, msg: msg} }

// Newf returns an *Error with kind and formatted message
func Newf(kind Kind, format string, a ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns an *Error wrapping orig. A nil orig yields nil.
func Wrap(orig error, kind Kind, msg string) error {
	if orig == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, orig: orig}
}

// Wrapf is Wrap with a formatted message
func Wrapf(orig error, kind Kind, format string, a ...any) error {
	if orig == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WithOp attaches an operation label (copy-on-write); foreign errors are returned unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the outermost Kind, defaulting to KindUnknown
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// HTTPStatus returns the mapped HTTP status for any error
func HTTPStatus(err error) int { return HTTPStatusCode(KindOf(err)) }

// WireFrom converts any error into its API payload
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return Wire{Code: e.kind.String(), Message: e.msg}
	}
	return Wire{Code: KindUnknown.String(), Message: err.Error()}
}

// NotFoundf returns a not found error
func NotFoundf(format string, a ...any) error { return Newf(KindNotFound, format, a...) }

// InvalidArgf returns an invalid argument error
func InvalidArgf(format string, a ...any) error { return Newf(KindInvalidArgument, format, a...) }

// Conflictf returns a conflict error
func Conflictf(format string, a ...any) error { return Newf(KindConflict, format, a...) }

// Unauthorizedf returns an unauthorized error
func Unauthorizedf(format string, a ...any) error { return Newf(KindUnauthorized, format, a...) }
