package protocol

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/qclient/codec"
)

var csvBody = []byte("abc,def,ghi,jkl,mno\r\nfoobar,,,10.12345,10\r\n")

func intPtr(n int) *int { return &n }

func TestEncodePost_Plain(t *testing.T) {
	body, header, err := EncodePost(&PostRequest{Key: "key_plain", Body: csvBody})
	require.NoError(t, err)

	assert.Equal(t, csvBody, body)
	assert.Equal(t, ContentTypeCSV, header.Get(HeaderContentType))
	assert.Empty(t, header.Values(HeaderContentEncoding))
	assert.Empty(t, header.Values(HeaderRowCountHint))
}

func TestEncodePost_Compress(t *testing.T) {
	for _, enc := range []codec.Encoding{codec.LZ4Block, codec.LZ4Frame} {
		t.Run(enc.String(), func(t *testing.T) {
			body, header, err := EncodePost(&PostRequest{Key: "k", Body: csvBody, Compress: enc})
			require.NoError(t, err)
			require.Equal(t, enc.Token(), header.Get(HeaderContentEncoding))

			decoded, err := codec.Decompress(enc, body)
			require.NoError(t, err)
			require.Equal(t, csvBody, decoded)
		})
	}
}

func TestEncodePost_PreEncoded(t *testing.T) {
	compressed, err := codec.Compress(codec.LZ4Frame, csvBody)
	require.NoError(t, err)

	t.Run("declared encoding", func(t *testing.T) {
		body, header, err := EncodePost(&PostRequest{Key: "k", Body: compressed, ContentEncoding: codec.LZ4Frame})
		require.NoError(t, err)
		assert.Equal(t, compressed, body)
		assert.Equal(t, "lz4-frame", header.Get(HeaderContentEncoding))
	})

	t.Run("caller header passed through", func(t *testing.T) {
		body, header, err := EncodePost(&PostRequest{
			Key:    "k",
			Body:   compressed,
			Header: http.Header{"content-encoding": {"lz4-frame"}},
		})
		require.NoError(t, err)
		assert.Equal(t, compressed, body)
		assert.Equal(t, []string{"lz4-frame"}, header.Values(HeaderContentEncoding))
	})

	t.Run("caller header wins over declared encoding", func(t *testing.T) {
		_, header, err := EncodePost(&PostRequest{
			Key:             "k",
			Body:            compressed,
			ContentEncoding: codec.LZ4Block,
			Header:          http.Header{HeaderContentEncoding: {"lz4-frame"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"lz4-frame"}, header.Values(HeaderContentEncoding))
	})

	t.Run("same encoding declared and forced", func(t *testing.T) {
		_, header, err := EncodePost(&PostRequest{Key: "k", Body: csvBody, Compress: codec.LZ4Block, ContentEncoding: codec.LZ4Block})
		require.NoError(t, err)
		assert.Equal(t, "lz4", header.Get(HeaderContentEncoding))
	})
}

func TestEncodePost_Conflicts(t *testing.T) {
	tests := []struct {
		name string
		req  PostRequest
	}{
		{"declared and forced differ", PostRequest{Key: "k", Compress: codec.LZ4Block, ContentEncoding: codec.LZ4Frame}},
		{"header conflicts with forced", PostRequest{Key: "k", Compress: codec.LZ4Block, Header: http.Header{HeaderContentEncoding: {"lz4-frame"}}}},
		{"unknown header with forced", PostRequest{Key: "k", Compress: codec.LZ4Frame, Header: http.Header{HeaderContentEncoding: {"gzip"}}}},
		{"unknown compress", PostRequest{Key: "k", Compress: codec.Encoding(9)}},
		{"unknown content encoding", PostRequest{Key: "k", ContentEncoding: codec.Encoding(9)}},
		{"empty key", PostRequest{}},
		{"key with slash", PostRequest{Key: "a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := EncodePost(&tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestEncodePost_RowCountHint(t *testing.T) {
	for _, n := range []int{0, 1, 2000, 1 << 40} {
		_, header, err := EncodePost(&PostRequest{Key: "k", Body: csvBody, RowCountHint: intPtr(n)})
		require.NoError(t, err, "hint %d", n)
		require.Equal(t, []string{strconv.Itoa(n)}, header.Values(HeaderRowCountHint))
	}

	_, _, err := EncodePost(&PostRequest{Key: "k", Body: csvBody, RowCountHint: intPtr(-1)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "row count hint", verr.Field)
}

func TestEncodePost_ContentTypeAndExtraHeaders(t *testing.T) {
	_, header, err := EncodePost(&PostRequest{
		Key:            "k",
		ContentType:    ContentTypeJSON,
		Types:          map[string]string{"b": "string", "a": "enum"},
		EnumSpecs:      map[string][]string{"a": {"x", "y"}},
		StandInColumns: map[string]string{"c": `"const"`},
		Header: http.Header{
			"X-Custom":        {"1"},
			HeaderContentType: {"text/csv; charset=utf-8"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"text/csv; charset=utf-8"}, header.Values(HeaderContentType))
	assert.Equal(t, "a=enum;b=string", header.Get(HeaderTypes))
	assert.JSONEq(t, `{"a":["x","y"]}`, header.Get(HeaderEnumSpecs))
	assert.Equal(t, `c="const"`, header.Get(HeaderStandInColumns))
	assert.Equal(t, "1", header.Get("X-Custom"))
}

func TestEncodeGet(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		header, err := EncodeGet(&GetRequest{Key: "k"})
		require.NoError(t, err)
		assert.Equal(t, ContentTypeJSON, header.Get(HeaderAccept))
		assert.Empty(t, header.Values(HeaderAcceptEncoding))
	})

	t.Run("encoding and accept", func(t *testing.T) {
		header, err := EncodeGet(&GetRequest{Key: "k", Accept: ContentTypeCSV, AcceptEncoding: codec.LZ4Frame})
		require.NoError(t, err)
		assert.Equal(t, ContentTypeCSV, header.Get(HeaderAccept))
		assert.Equal(t, "lz4-frame", header.Get(HeaderAcceptEncoding))
	})

	t.Run("caller accept encoding", func(t *testing.T) {
		header, err := EncodeGet(&GetRequest{Key: "k", Header: http.Header{HeaderAcceptEncoding: {"lz4"}}})
		require.NoError(t, err)
		assert.Equal(t, "lz4", header.Get(HeaderAcceptEncoding))
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := EncodeGet(&GetRequest{Key: ""})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestEncodeQuery(t *testing.T) {
	b, err := EncodeQuery(`{"where": ["==", "a", 1]}`)
	require.NoError(t, err)
	assert.Equal(t, `{"where": ["==", "a", 1]}`, string(b))

	b, err = EncodeQuery(map[string]any{"limit": 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit": 10}`, string(b))

	_, err = EncodeQuery(nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	params, err := QueryParams(map[string]any{"select": []string{"a"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"select": ["a"]}`, params.Get(QueryParam))
}
