package qclient

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/pior/qclient/codec"
)

// Error types returned by the client.
// They carry the node and key of the failed call so that callers can decide
// on failover. The client never retries on its own.

var (
	// ErrTimeout matches a *TransportError caused by a timeout or deadline.
	ErrTimeout = errors.New("qclient: timeout")

	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("qclient: client closed")

	// ErrUnknownNode is returned when a call names a node that is not
	// configured.
	ErrUnknownNode = errors.New("qclient: unknown node")
)

// ConfigurationError is returned by NewClient and LoadConfig when the
// configuration cannot produce a working client.
//
// Common causes:
//   - Empty node list
//   - Node URL that is not an absolute http or https URL
//   - Negative timeout
//   - Unreadable CA bundle or client certificate
type ConfigurationError struct {
	Field   string
	Message string
	Err     error // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	msg := "qclient: invalid configuration: " + e.Field + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransportError is returned when a request could not be completed with a
// node: connection refused, TLS handshake failure, timeout, a body cut short,
// or an open circuit breaker.
//
// It is the only error class a caller should consider retrying, possibly on
// another node.
type TransportError struct {
	Op      string // Operation: post, get, query, status, statistics
	Node    string // Node URL
	Key     string // Dataset key, empty for node level operations
	Timeout bool   // The call ran out of time
	Err     error  // Underlying error
}

func (e *TransportError) Error() string {
	msg := "qclient: " + e.Op + " " + e.Node
	if e.Key != "" {
		msg += " key " + e.Key
	}
	if e.Timeout {
		msg += ": timeout"
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports timeouts as ErrTimeout.
func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// RequestError adds call context to validation, status, codec and protocol
// errors. The underlying error is one of *protocol.ValidationError,
// *protocol.StatusError, *protocol.ProtocolError, *codec.CodecError or
// *codec.UnsupportedEncodingError.
//
// These are never retryable: sending the same request again gets the same
// answer.
type RequestError struct {
	Op       string
	Node     string
	Key      string
	Encoding codec.Encoding // Encoding involved, None when not relevant
	Err      error
}

func (e *RequestError) Error() string {
	msg := "qclient: " + e.Op + " " + e.Node
	if e.Key != "" {
		msg += " key " + e.Key
	}
	if e.Encoding != codec.None {
		msg += " (" + e.Encoding.String() + ")"
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport failure that may succeed
// when tried again.
//
// Returns true for:
//   - *TransportError
//
// Returns false for everything else, including nil.
func IsRetryable(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// IsTimeout reports whether err is a transport failure caused by a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func isTimeoutCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
