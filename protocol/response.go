package protocol

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/pior/qclient/codec"
)

// Result is a decoded response. It holds no reference to the connection the
// response came from.
type Result struct {
	// Status is the HTTP status code.
	Status int

	// Encoding is the encoding the node applied, from its Content-Encoding.
	Encoding codec.Encoding

	// ContentType is the media type the node declared, without parameters.
	ContentType string

	// Body is the decoded body.
	Body []byte

	// EncodedLength is the body length as received.
	EncodedLength int

	// Structured is true when Body was parsed according to the requested
	// content type, in which case RowCount is valid.
	Structured bool

	// Rows holds the parsed rows of a JSON response.
	Rows []map[string]any

	// RowCount is the number of rows in a structured response. For CSV the
	// header line is not counted.
	RowCount int

	// UnslicedLength is the result length before slicing, or -1 when the
	// node did not send it.
	UnslicedLength int
}

// Len returns the decoded body length.
func (r *Result) Len() int {
	return len(r.Body)
}

// CheckStatus returns a *StatusError for any non-2xx status. The error body
// is decoded with the declared encoding when possible.
func CheckStatus(status int, header http.Header, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	message := body
	if enc, err := codec.ParseEncoding(header.Get(HeaderContentEncoding)); err == nil && enc != codec.None {
		if decoded, err := codec.Decompress(enc, body); err == nil {
			message = decoded
		}
	}
	return &StatusError{Status: status, Message: strings.TrimSpace(string(message))}
}

// Decode interprets a response. The body is decoded strictly by the
// Content-Encoding the node returned, never by what was requested. When
// accept names a structured type (CSV or JSON) the decoded body is parsed as
// such; otherwise it is returned raw.
func Decode(status int, header http.Header, body []byte, accept string) (*Result, error) {
	if err := CheckStatus(status, header, body); err != nil {
		return nil, err
	}

	enc, err := codec.ParseEncoding(header.Get(HeaderContentEncoding))
	if err != nil {
		return nil, err
	}

	decoded, err := codec.Decompress(enc, body)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:         status,
		Encoding:       enc,
		Body:           decoded,
		EncodedLength:  len(body),
		UnslicedLength: -1,
	}

	if ct := header.Get(HeaderContentType); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, &ProtocolError{Message: "malformed Content-Type " + quote(ct), Err: err}
		}
		result.ContentType = mediaType
	}

	if v := header.Get(HeaderUnslicedLength); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &ProtocolError{Message: "malformed " + HeaderUnslicedLength + " " + quote(v), Err: err}
		}
		result.UnslicedLength = n
	}

	if err := parseBody(result, accept); err != nil {
		return nil, err
	}
	return result, nil
}

func parseBody(result *Result, accept string) error {
	var mediaType string
	if accept != "" {
		mt, _, err := mime.ParseMediaType(accept)
		if err != nil {
			return nil
		}
		mediaType = mt
	}

	if mediaType != ContentTypeJSON && mediaType != ContentTypeCSV {
		return nil
	}

	if result.ContentType != "" && result.ContentType != mediaType {
		return &ProtocolError{Message: "requested " + mediaType + " but received " + result.ContentType}
	}

	switch mediaType {
	case ContentTypeJSON:
		rows, err := parseJSONRows(result.Body)
		if err != nil {
			return err
		}
		result.Rows = rows
		result.RowCount = len(rows)
	case ContentTypeCSV:
		n, err := countCSVRows(result.Body)
		if err != nil {
			return err
		}
		result.RowCount = n
	}

	result.Structured = true
	return nil
}

func parseJSONRows(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, &ProtocolError{Message: "body is not a JSON array of rows", Err: err}
	}
	if dec.More() {
		return nil, &ProtocolError{Message: "trailing data after JSON rows"}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

func countCSVRows(body []byte) (int, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.ReuseRecord = true

	records := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, &ProtocolError{Message: "body is not valid CSV", Err: err}
		}
		records++
	}

	if records == 0 {
		return 0, nil
	}
	return records - 1, nil
}
