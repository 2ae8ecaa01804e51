package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrNotFound matches a *StatusError for a missing dataset.
var ErrNotFound = errors.New("qclient: dataset not found")

// ValidationError is returned when a request is rejected before it is sent.
//
// Common causes:
//   - Empty key, or a key that cannot be used as a path segment
//   - Negative row-count hint
//   - Content-Encoding header conflicting with the requested compression
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("qclient: invalid %s: %s", e.Field, e.Message)
}

// ProtocolError is returned when a response does not match what its headers
// declare: a body that is not valid for its content type, a malformed QCache
// header, or a body that could not be decoded.
//
// Retrying cannot fix a malformed response.
type ProtocolError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "qclient: protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "qclient: protocol error: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StatusError is returned for a non-2xx response. Message holds the body the
// node sent back, which is a plain text explanation.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := "qclient: unexpected status " + strconv.Itoa(e.Status) + " " + http.StatusText(e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is reports a 404 as ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func quote(s string) string {
	return strconv.Quote(s)
}
