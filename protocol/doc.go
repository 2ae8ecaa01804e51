// Package protocol frames requests to and interprets responses from a QCache
// node over HTTP.
//
// It does not perform I/O. EncodePost and EncodeGet turn a request value into
// the body and headers to send; Decode turns a status, header set and body
// into a Result. The transport in between belongs to the caller.
//
// # Requests
//
// Reserved headers are named fields on PostRequest and GetRequest:
//
//	hint := 1000
//	body, header, err := protocol.EncodePost(&protocol.PostRequest{
//	    Key:          "prices",
//	    Body:         csv,
//	    Compress:     codec.LZ4Block,
//	    RowCountHint: &hint,
//	})
//
// A body compressed by the caller is declared with ContentEncoding instead of
// Compress and is sent unchanged.
//
// # Responses
//
// Decode reads the encoding from the response Content-Encoding, never from
// what was asked for in Accept-Encoding, since a node may ignore the request:
//
//	result, err := protocol.Decode(resp.StatusCode, resp.Header, body, protocol.ContentTypeJSON)
//
// # Errors
//
//   - *ValidationError: the request was rejected before being sent
//   - *StatusError: non-2xx response; errors.Is(err, ErrNotFound) for 404
//   - *codec.UnsupportedEncodingError, *codec.CodecError: the body could not be
//     decoded with its declared encoding
//   - *ProtocolError: the decoded body or a header is malformed
package protocol
