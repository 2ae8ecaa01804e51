// Package testutils provides an in-process QCache node for tests.
package testutils

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pior/qclient/codec"
	"github.com/pior/qclient/protocol"
)

// Dataset is what the server stored for a key.
type Dataset struct {
	Body   []byte      // decoded CSV
	Header http.Header // request headers of the upload
}

// Request is a request as seen by the server, body decoded.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Server is a fake QCache node. It stores uploads as CSV, serves them back as
// CSV or JSON and negotiates lz4 the way a real node does: Accept-Encoding is
// matched for "lz4-frame" first, then "lz4".
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	datasets      map[string]*Dataset
	requests      []Request
	delay         time.Duration
	status        int
	forceEncoding *codec.Encoding
	username      string
	password      string
	hits, misses  int
	stores        int
}

// NewServer starts a server closed at the end of the test.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{datasets: make(map[string]*Dataset)}

	mux := http.NewServeMux()
	for _, root := range []string{"/qcache", "/qocache"} {
		mux.HandleFunc("POST "+root+"/dataset/{key}", s.handle(s.newDataset))
		mux.HandleFunc("POST "+root+"/dataset/{key}/q", s.handle(s.queryPost))
		mux.HandleFunc("GET "+root+"/dataset/{key}", s.handle(s.queryGet))
		mux.HandleFunc("GET "+root+"/statistics", s.handle(s.statistics))
		mux.HandleFunc("GET "+root+"/status", s.handle(s.statusHandler))
	}

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetDelay delays every response by d, or until the client gives up.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetStatus makes every request fail with the given status. Zero restores
// normal operation.
func (s *Server) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// ForceEncoding makes responses use enc whatever the client accepts.
func (s *Server) ForceEncoding(enc codec.Encoding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceEncoding = &enc
}

// RequireBasicAuth rejects requests without these credentials.
func (s *Server) RequireBasicAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// Dataset returns what is stored under key.
func (s *Server) Dataset(key string) (*Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[key]
	return d, ok
}

// Put stores a CSV dataset directly.
func (s *Server) Put(key string, csvBody []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[key] = &Dataset{Body: csvBody, Header: make(http.Header)}
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent request.
func (s *Server) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

type handlerFunc func(w *responseWriter, r *http.Request, body []byte)

// handle wraps a handler with auth, delay, request decoding and response
// encoding.
func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delay, status := s.delay, s.status
		username, password := s.username, s.password
		force := s.forceEncoding
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		rw := &responseWriter{header: w.Header(), encoding: responseEncoding(r.Header.Get(protocol.HeaderAcceptEncoding))}
		if force != nil {
			rw.encoding = *force
		}
		defer rw.flush(w)

		if username != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != username || p != password {
				rw.error(http.StatusUnauthorized, "Unauthorized")
				return
			}
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			rw.error(http.StatusBadRequest, "Error reading body: "+err.Error())
			return
		}

		body := raw
		if token := r.Header.Get(protocol.HeaderContentEncoding); token != "" {
			enc, err := codec.ParseEncoding(token)
			if err != nil {
				rw.error(http.StatusBadRequest, "Unsupported content encoding: "+token)
				return
			}
			if body, err = codec.Decompress(enc, raw); err != nil {
				rw.error(http.StatusBadRequest, "Error decompressing body: "+err.Error())
				return
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()

		if status != 0 {
			rw.error(status, http.StatusText(status))
			return
		}

		h(rw, r, body)
	}
}

func responseEncoding(acceptEncoding string) codec.Encoding {
	switch {
	case strings.Contains(acceptEncoding, codec.TokenLZ4Frame):
		return codec.LZ4Frame
	case strings.Contains(acceptEncoding, codec.TokenLZ4Block):
		return codec.LZ4Block
	}
	return codec.None
}

func (s *Server) newDataset(w *responseWriter, r *http.Request, body []byte) {
	contentType := r.Header.Get(protocol.HeaderContentType)
	if contentType != protocol.ContentTypeCSV {
		w.error(http.StatusBadRequest, "Unknown content type: "+contentType)
		return
	}
	if _, err := readCSV(body); err != nil {
		w.error(http.StatusBadRequest, "Could not decode data: "+err.Error())
		return
	}

	s.mu.Lock()
	s.datasets[r.PathValue("key")] = &Dataset{Body: body, Header: r.Header.Clone()}
	s.stores++
	s.mu.Unlock()

	w.status = http.StatusCreated
}

func (s *Server) queryGet(w *responseWriter, r *http.Request, _ []byte) {
	s.query(w, r, r.URL.Query().Get(protocol.QueryParam))
}

func (s *Server) queryPost(w *responseWriter, r *http.Request, body []byte) {
	s.query(w, r, string(body))
}

// query answers with the stored dataset. Only "offset" and "limit" of the
// query are applied.
func (s *Server) query(w *responseWriter, r *http.Request, q string) {
	key := r.PathValue("key")

	s.mu.Lock()
	d, ok := s.datasets[key]
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	s.mu.Unlock()

	if !ok {
		w.error(http.StatusNotFound, fmt.Sprintf("Dataset '%s' not found", key))
		return
	}

	records, err := readCSV(d.Body)
	if err != nil {
		w.error(http.StatusInternalServerError, err.Error())
		return
	}

	if q != "" {
		var slice struct {
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		}
		if err := json.Unmarshal([]byte(q), &slice); err != nil {
			w.error(http.StatusBadRequest, "Error executing query: "+err.Error())
			return
		}
		w.header.Set(protocol.HeaderUnslicedLength, strconv.Itoa(max(len(records)-1, 0)))
		records = sliceRecords(records, slice.Offset, slice.Limit)
	}

	accept := r.Header.Get(protocol.HeaderAccept)
	switch accept {
	case protocol.ContentTypeCSV:
		w.header.Set(protocol.HeaderContentType, accept+"; charset=utf-8")
		cw := csv.NewWriter(&w.body)
		_ = cw.WriteAll(records)
	case protocol.ContentTypeJSON:
		w.header.Set(protocol.HeaderContentType, accept+"; charset=utf-8")
		_ = json.NewEncoder(&w.body).Encode(toRows(records))
	default:
		w.error(http.StatusBadRequest, "Unknown accept type: "+accept)
	}
}

func (s *Server) statistics(w *responseWriter, _ *http.Request, _ []byte) {
	s.mu.Lock()
	stats := map[string]any{
		"dataset_count": len(s.datasets),
		"hit_count":     s.hits,
		"miss_count":    s.misses,
		"store_count":   s.stores,
	}
	s.mu.Unlock()

	w.header.Set(protocol.HeaderContentType, protocol.ContentTypeJSON+"; charset=utf-8")
	_ = json.NewEncoder(&w.body).Encode(stats)
}

func (s *Server) statusHandler(w *responseWriter, _ *http.Request, _ []byte) {
	w.body.WriteString("OK")
}

// responseWriter buffers the response so that it can be encoded as a whole.
// Error bodies are encoded too.
type responseWriter struct {
	header   http.Header
	encoding codec.Encoding
	status   int
	body     bytes.Buffer
}

func (w *responseWriter) error(status int, message string) {
	w.status = status
	w.header.Del(protocol.HeaderUnslicedLength)
	w.header.Set(protocol.HeaderContentType, "text/plain; charset=utf-8")
	w.body.Reset()
	w.body.WriteString(message + "\n")
}

func (w *responseWriter) flush(rw http.ResponseWriter) {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}

	body := w.body.Bytes()
	if w.encoding != codec.None && len(body) > 0 {
		encoded, err := codec.Compress(w.encoding, body)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		body = encoded
		w.header.Set(protocol.HeaderContentEncoding, w.encoding.Token())
	}

	w.header.Set("Content-Length", strconv.Itoa(len(body)))
	rw.WriteHeader(status)
	_, _ = rw.Write(body)
}

func readCSV(body []byte) ([][]string, error) {
	return csv.NewReader(bytes.NewReader(body)).ReadAll()
}

func sliceRecords(records [][]string, offset, limit int) [][]string {
	if len(records) == 0 {
		return records
	}
	header, rows := records[0], records[1:]
	offset = min(max(offset, 0), len(rows))
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return append([][]string{header}, rows...)
}

// toRows converts CSV records to JSON rows. Integers and floats become
// numbers, everything else stays a string.
func toRows(records [][]string) []map[string]any {
	rows := []map[string]any{}
	if len(records) == 0 {
		return rows
	}
	columns := records[0]
	for _, record := range records[1:] {
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = typedValue(record[i])
		}
		rows = append(rows, row)
	}
	return rows
}

func typedValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
