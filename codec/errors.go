package codec

import (
	"fmt"
)

// CodecError is returned when a payload cannot be encoded or decoded with the
// declared encoding, including when its framing belongs to another encoding.
//
// Retrying the same payload cannot succeed.
type CodecError struct {
	Encoding Encoding
	Op       string // "compress" or "decompress"
	Message  string
	Err      error // Underlying error, if any
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("codec: %s %s: %s", e.Encoding, e.Op, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *CodecError) Unwrap() error {
	return e.Err
}

// UnsupportedEncodingError is returned for a Content-Encoding token this
// package does not implement.
type UnsupportedEncodingError struct {
	Token    string
	Encoding Encoding
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("codec: unsupported content encoding %q", e.Token)
}

func decompressError(enc Encoding, msg string, err error) *CodecError {
	return &CodecError{Encoding: enc, Op: "decompress", Message: msg, Err: err}
}

func compressError(enc Encoding, msg string, err error) *CodecError {
	return &CodecError{Encoding: enc, Op: "compress", Message: msg, Err: err}
}
