package protocol

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/pior/qclient/codec"
)

// PostRequest describes an upload of a dataset.
//
// Reserved headers have named fields. Header is the open extension point and
// is merged last: a Content-Type or Content-Encoding set there wins over the
// named fields, since setting it is an explicit choice by the caller.
type PostRequest struct {
	// Key is the dataset key, sent as a single path segment.
	Key string

	// Body is the payload. It is sent as-is unless Compress is set.
	Body []byte

	// ContentType of the decoded body. Defaults to text/csv.
	ContentType string

	// ContentEncoding declares that Body was already encoded by the caller.
	// The header is set and the body is left untouched.
	ContentEncoding codec.Encoding

	// Compress asks the encoder to compress Body with this encoding.
	Compress codec.Encoding

	// RowCountHint is sent as X-QCache-row-count-hint when set. It must not
	// be negative; any other value is accepted.
	RowCountHint *int

	// Types forces column types (column name to type name).
	Types map[string]string

	// EnumSpecs declares enum columns and their ordered values.
	EnumSpecs map[string][]string

	// StandInColumns adds columns missing from the upload.
	StandInColumns map[string]string

	// Header holds extra headers, merged last.
	Header http.Header
}

// EncodePost validates req and returns the body and headers to send.
func EncodePost(req *PostRequest) ([]byte, http.Header, error) {
	if err := validateKey(req.Key); err != nil {
		return nil, nil, err
	}

	if !req.Compress.Valid() {
		return nil, nil, &ValidationError{Field: "compress", Message: "unknown encoding " + req.Compress.String()}
	}
	if !req.ContentEncoding.Valid() {
		return nil, nil, &ValidationError{Field: "content encoding", Message: "unknown encoding " + req.ContentEncoding.String()}
	}
	if req.Compress != codec.None && req.ContentEncoding != codec.None && req.Compress != req.ContentEncoding {
		return nil, nil, &ValidationError{
			Field:   "content encoding",
			Message: "body declared as " + req.ContentEncoding.String() + " but compression requested with " + req.Compress.String(),
		}
	}

	if req.RowCountHint != nil && *req.RowCountHint < 0 {
		return nil, nil, &ValidationError{Field: "row count hint", Message: strconv.Itoa(*req.RowCountHint) + " is negative"}
	}

	header := make(http.Header)
	body := req.Body

	switch {
	case req.Compress != codec.None:
		if token, ok := headerValue(req.Header, HeaderContentEncoding); ok {
			callerEnc, err := codec.ParseEncoding(token)
			if err != nil || callerEnc != req.Compress {
				return nil, nil, &ValidationError{
					Field:   "content encoding",
					Message: "header " + quote(token) + " conflicts with compression " + req.Compress.String(),
				}
			}
		}

		compressed, err := codec.Compress(req.Compress, req.Body)
		if err != nil {
			return nil, nil, err
		}
		body = compressed
		header.Set(HeaderContentEncoding, req.Compress.Token())

	case req.ContentEncoding != codec.None:
		header.Set(HeaderContentEncoding, req.ContentEncoding.Token())
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentTypeCSV
	}
	header.Set(HeaderContentType, contentType)

	if req.RowCountHint != nil {
		header.Set(HeaderRowCountHint, strconv.Itoa(*req.RowCountHint))
	}

	if len(req.Types) > 0 {
		header.Set(HeaderTypes, formatKeyValues(req.Types))
	}

	if len(req.EnumSpecs) > 0 {
		specs, err := json.Marshal(req.EnumSpecs)
		if err != nil {
			return nil, nil, &ValidationError{Field: "enum specs", Message: err.Error()}
		}
		header.Set(HeaderEnumSpecs, string(specs))
	}

	if len(req.StandInColumns) > 0 {
		header.Set(HeaderStandInColumns, formatKeyValues(req.StandInColumns))
	}

	mergeHeader(header, req.Header)
	return body, header, nil
}

// GetRequest describes a read of a dataset.
type GetRequest struct {
	// Key is the dataset key, sent as a single path segment.
	Key string

	// Params are sent as the URL query, unmodified.
	Params url.Values

	// Accept is the requested content type. When empty, JSON is requested
	// on the wire but the response is returned as raw bytes.
	Accept string

	// AcceptEncoding asks the node to encode its response. The node may
	// ignore it; responses are always decoded by what the node declared.
	AcceptEncoding codec.Encoding

	// StandInColumns adds columns missing from the stored dataset.
	StandInColumns map[string]string

	// Header holds extra headers, merged last.
	Header http.Header
}

// EncodeGet validates req and returns the headers to send.
func EncodeGet(req *GetRequest) (http.Header, error) {
	if err := validateKey(req.Key); err != nil {
		return nil, err
	}
	if !req.AcceptEncoding.Valid() {
		return nil, &ValidationError{Field: "accept encoding", Message: "unknown encoding " + req.AcceptEncoding.String()}
	}

	header := make(http.Header)

	accept := req.Accept
	if accept == "" {
		accept = ContentTypeJSON
	}
	header.Set(HeaderAccept, accept)

	if req.AcceptEncoding != codec.None {
		header.Set(HeaderAcceptEncoding, req.AcceptEncoding.Token())
	}

	if len(req.StandInColumns) > 0 {
		header.Set(HeaderStandInColumns, formatKeyValues(req.StandInColumns))
	}

	mergeHeader(header, req.Header)
	return header, nil
}

// EncodeQuery returns the body of a query sent with POST. Strings and byte
// slices are sent verbatim, anything else is marshaled to JSON.
func EncodeQuery(query any) ([]byte, error) {
	switch q := query.(type) {
	case nil:
		return nil, &ValidationError{Field: "query", Message: "query is nil"}
	case string:
		return []byte(q), nil
	case []byte:
		return q, nil
	case json.RawMessage:
		return q, nil
	}

	b, err := json.Marshal(query)
	if err != nil {
		return nil, &ValidationError{Field: "query", Message: err.Error()}
	}
	return b, nil
}

// QueryParams returns URL parameters carrying query for a GET request.
func QueryParams(query any) (url.Values, error) {
	b, err := EncodeQuery(query)
	if err != nil {
		return nil, err
	}
	return url.Values{QueryParam: []string{string(b)}}, nil
}

// DatasetPath returns the path of the dataset stored under key.
func DatasetPath(key string) string {
	return PathDataset + key
}

// formatKeyValues renders m in the key=value;key=value form the node parses.
func formatKeyValues(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// mergeHeader copies extra into header. Values from extra replace existing
// ones so a reserved header is never sent twice.
func mergeHeader(header, extra http.Header) {
	for k, values := range extra {
		if len(values) == 0 {
			continue
		}
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
	}
}

func headerValue(h http.Header, key string) (string, bool) {
	for k, values := range h {
		if http.CanonicalHeaderKey(k) == key && len(values) > 0 {
			return values[0], true
		}
	}
	return "", false
}
