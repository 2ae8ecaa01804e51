package qclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/qclient/codec"
	"github.com/pior/qclient/internal/testutils"
	"github.com/pior/qclient/protocol"
)

const pricesCSV = "id,name,price\n1,apple,0.5\n2,banana,0.25\n3,cherry,4\n"

func newTestClient(t testing.TB, config Config, servers ...*testutils.Server) *Client {
	t.Helper()

	urls := make([]string, len(servers))
	for i, s := range servers {
		urls[i] = s.URL
	}

	client, err := NewClient(NewNodes(urls...), config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func intPtr(n int) *int { return &n }

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient(NewNodes("http://localhost:8888"), Config{})
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, DefaultConnectTimeout+DefaultReadTimeout, client.timeout)
		assert.Len(t, client.Nodes(), 1)
	})

	t.Run("empty node list", func(t *testing.T) {
		_, err := NewClient(nil, Config{})
		var cerr *ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "nodes", cerr.Field)
	})

	tests := []struct {
		name   string
		nodes  []Node
		config Config
		field  string
	}{
		{"negative read timeout", NewNodes("http://a"), Config{ReadTimeout: -time.Second}, "read_timeout"},
		{"negative connect timeout", NewNodes("http://a"), Config{ConnectTimeout: -time.Second}, "connect_timeout"},
		{"negative concurrency", NewNodes("http://a"), Config{MaxConcurrentRequests: -1}, "max_concurrent_requests"},
		{"unknown selection", NewNodes("http://a"), Config{Selection: SelectionPolicy(42)}, "selection"},
		{"bad scheme", NewNodes("ftp://a"), Config{}, "nodes"},
		{"missing host", NewNodes("http://"), Config{}, "nodes"},
		{"duplicate node", NewNodes("http://a:1", "http://a:1/"), Config{}, "nodes"},
		{"missing CA file", NewNodes("https://a"), Config{TLS: &TLSConfig{CAFile: "/nonexistent/ca.pem"}}, "tls.ca_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.nodes, tt.config)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestClient_PostGet_RoundTrip(t *testing.T) {
	encodings := []codec.Encoding{codec.None, codec.LZ4Block, codec.LZ4Frame}

	for _, enc := range encodings {
		t.Run(enc.String(), func(t *testing.T) {
			server := testutils.NewServer(t)
			client := newTestClient(t, Config{}, server)
			ctx := context.Background()

			err := client.Post(ctx, &PostRequest{
				Key:          "prices",
				Body:         []byte(pricesCSV),
				Compress:     enc,
				RowCountHint: intPtr(3),
			})
			require.NoError(t, err)

			stored, ok := server.Dataset("prices")
			require.True(t, ok)
			assert.Equal(t, pricesCSV, string(stored.Body))
			assert.Equal(t, enc.Token(), stored.Header.Get(protocol.HeaderContentEncoding))
			assert.Equal(t, "3", stored.Header.Get(protocol.HeaderRowCountHint))

			result, err := client.Get(ctx, &GetRequest{
				Key:            "prices",
				Accept:         protocol.ContentTypeCSV,
				AcceptEncoding: enc,
			})
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, result.Status)
			assert.Equal(t, enc, result.Encoding)
			assert.Equal(t, protocol.ContentTypeCSV, result.ContentType)
			assert.Equal(t, pricesCSV, string(result.Body))
			assert.True(t, result.Structured)
			assert.Equal(t, 3, result.RowCount)
		})
	}
}

func TestClient_PostGet_PreEncodedBlock(t *testing.T) {
	csvBody := []byte("abc,def,ghi,jkl,mno\r\nfoobar,,,10.12345,10\r\n")

	server := testutils.NewServer(t)
	client := newTestClient(t, Config{}, server)
	ctx := context.Background()

	compressed, err := codec.BlockCodec{StoreSize: true}.Compress(csvBody)
	require.NoError(t, err)

	err = client.Post(ctx, &PostRequest{
		Key:             "key_lz4",
		Body:            compressed,
		ContentEncoding: codec.LZ4Block,
	})
	require.NoError(t, err)

	stored, ok := server.Dataset("key_lz4")
	require.True(t, ok)
	assert.Equal(t, csvBody, stored.Body)
	assert.Equal(t, "lz4", stored.Header.Get(protocol.HeaderContentEncoding))
	assert.Equal(t, uint64(len(compressed)), client.Stats().BytesSent)

	result, err := client.Get(ctx, &GetRequest{
		Key:            "key_lz4",
		Accept:         protocol.ContentTypeCSV,
		AcceptEncoding: codec.LZ4Block,
	})
	require.NoError(t, err)

	assert.Equal(t, codec.LZ4Block, result.Encoding)
	assert.Equal(t, strings.ReplaceAll(string(csvBody), "\r\n", "\n"), string(result.Body))
	assert.Equal(t, 1, result.RowCount)
}

func TestClient_Get_JSON(t *testing.T) {
	server := testutils.NewServer(t)
	server.Put("prices", []byte(pricesCSV))
	client := newTestClient(t, Config{}, server)

	result, err := client.Get(context.Background(), &GetRequest{
		Key:            "prices",
		Accept:         protocol.ContentTypeJSON,
		AcceptEncoding: codec.LZ4Frame,
	})
	require.NoError(t, err)

	assert.Equal(t, codec.LZ4Frame, result.Encoding)
	require.Equal(t, 3, result.RowCount)
	assert.Equal(t, "banana", result.Rows[1]["name"])
	assert.Equal(t, -1, result.UnslicedLength)
}

func TestClient_Get_RawWithoutAccept(t *testing.T) {
	server := testutils.NewServer(t)
	server.Put("prices", []byte(pricesCSV))
	client := newTestClient(t, Config{}, server)

	result, err := client.Get(context.Background(), &GetRequest{Key: "prices"})
	require.NoError(t, err)

	assert.False(t, result.Structured)
	assert.True(t, strings.HasPrefix(string(result.Body), "["))
	assert.Equal(t, protocol.ContentTypeJSON, server.LastRequest().Header.Get(protocol.HeaderAccept))
}

func TestClient_Get_DecodesByDeclaredEncoding(t *testing.T) {
	server := testutils.NewServer(t)
	server.Put("prices", []byte(pricesCSV))
	server.ForceEncoding(codec.LZ4Block)
	client := newTestClient(t, Config{}, server)

	result, err := client.Get(context.Background(), &GetRequest{
		Key:            "prices",
		Accept:         protocol.ContentTypeCSV,
		AcceptEncoding: codec.LZ4Frame,
	})
	require.NoError(t, err)
	assert.Equal(t, codec.LZ4Block, result.Encoding)
	assert.Equal(t, pricesCSV, string(result.Body))
}

func TestClient_Query(t *testing.T) {
	server := testutils.NewServer(t)
	server.Put("prices", []byte(pricesCSV))
	client := newTestClient(t, Config{}, server)
	ctx := context.Background()

	t.Run("in body", func(t *testing.T) {
		result, err := client.Query(ctx, &GetRequest{Key: "prices", Accept: protocol.ContentTypeJSON},
			map[string]any{"offset": 1, "limit": 1})
		require.NoError(t, err)

		assert.Equal(t, 1, result.RowCount)
		assert.Equal(t, 3, result.UnslicedLength)
		assert.Equal(t, "banana", result.Rows[0]["name"])

		last := server.LastRequest()
		assert.Equal(t, http.MethodPost, last.Method)
		assert.Equal(t, "/qcache/dataset/prices/q", last.Path)
		assert.JSONEq(t, `{"offset":1,"limit":1}`, string(last.Body))
	})

	t.Run("in URL", func(t *testing.T) {
		params, err := protocol.QueryParams(`{"limit": 2}`)
		require.NoError(t, err)

		result, err := client.Get(ctx, &GetRequest{Key: "prices", Params: params, Accept: protocol.ContentTypeCSV})
		require.NoError(t, err)

		assert.Equal(t, 2, result.RowCount)
		assert.Equal(t, 3, result.UnslicedLength)
	})

	t.Run("nil query", func(t *testing.T) {
		_, err := client.Query(ctx, &GetRequest{Key: "prices"}, nil)
		var verr *protocol.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestClient_Errors(t *testing.T) {
	server := testutils.NewServer(t)
	client := newTestClient(t, Config{}, server)
	ctx := context.Background()

	t.Run("negative row count hint", func(t *testing.T) {
		err := client.Post(ctx, &PostRequest{Key: "k", Body: []byte(pricesCSV), RowCountHint: intPtr(-1)})

		var verr *protocol.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.False(t, IsRetryable(err))
		assert.Empty(t, server.Requests())
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := client.Get(ctx, &GetRequest{Key: "a/b"})
		var verr *protocol.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.Get(ctx, &GetRequest{Key: "missing", AcceptEncoding: codec.LZ4Block})
		require.ErrorIs(t, err, protocol.ErrNotFound)

		var serr *protocol.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusNotFound, serr.Status)
		assert.Contains(t, serr.Message, "missing")

		var rerr *RequestError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "missing", rerr.Key)
		assert.Equal(t, server.URL, rerr.Node)
	})

	t.Run("bad request", func(t *testing.T) {
		err := client.Post(ctx, &PostRequest{Key: "k", Body: []byte("a\n"), ContentType: "application/xml"})
		var serr *protocol.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusBadRequest, serr.Status)
	})

	stats := client.Stats()
	assert.Equal(t, uint64(4), stats.RequestErrors)
	assert.Zero(t, stats.TransportErrors)
}

func TestClient_Timeout(t *testing.T) {
	server := testutils.NewServer(t)
	server.SetDelay(2 * time.Second)
	client := newTestClient(t, Config{ReadTimeout: 100 * time.Millisecond}, server)

	start := time.Now()
	err := client.Post(context.Background(), &PostRequest{Key: "k", Body: []byte(pricesCSV)})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.Less(t, elapsed, 2*time.Second)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, opPost, terr.Op)
	assert.Equal(t, "k", terr.Key)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.TransportErrors)
}

func TestClient_CallerDeadline(t *testing.T) {
	server := testutils.NewServer(t)
	server.SetDelay(time.Second)
	client := newTestClient(t, Config{ReadTimeout: 5 * time.Second}, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, &GetRequest{Key: "k"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClient_ConnectionRefused(t *testing.T) {
	server := testutils.NewServer(t)
	url := server.URL
	server.Close()

	client, err := NewClient(NewNodes(url), Config{})
	require.NoError(t, err)
	defer client.Close()

	err = client.Post(context.Background(), &PostRequest{Key: "k", Body: []byte(pricesCSV)})

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Timeout)
	assert.Equal(t, url, terr.Node)
	assert.True(t, IsRetryable(err))

	nodeStats := client.NodeStats()
	assert.Equal(t, uint64(1), nodeStats[0].Errors)
}

func TestClient_BasicAuth(t *testing.T) {
	server := testutils.NewServer(t)
	server.RequireBasicAuth("svc", "secret")

	t.Run("accepted", func(t *testing.T) {
		client := newTestClient(t, Config{BasicAuth: &BasicAuth{Username: "svc", Password: "secret"}}, server)
		require.NoError(t, client.Post(context.Background(), &PostRequest{Key: "k", Body: []byte(pricesCSV)}))
	})

	t.Run("rejected", func(t *testing.T) {
		client := newTestClient(t, Config{BasicAuth: &BasicAuth{Username: "svc", Password: "wrong"}}, server)
		err := client.Post(context.Background(), &PostRequest{Key: "k", Body: []byte(pricesCSV)})

		var serr *protocol.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusUnauthorized, serr.Status)
	})
}

func TestClient_NodeSelection(t *testing.T) {
	servers := []*testutils.Server{testutils.NewServer(t), testutils.NewServer(t), testutils.NewServer(t)}

	t.Run("hash keeps keys on one node", func(t *testing.T) {
		client := newTestClient(t, Config{}, servers...)
		ctx := context.Background()

		require.NoError(t, client.Post(ctx, &PostRequest{Key: "prices", Body: []byte(pricesCSV)}))
		for range 5 {
			_, err := client.Get(ctx, &GetRequest{Key: "prices", Accept: protocol.ContentTypeCSV})
			require.NoError(t, err)
		}

		owner := servers[DefaultNodeSelector("prices", len(servers))]
		_, ok := owner.Dataset("prices")
		assert.True(t, ok)
	})

	t.Run("round robin", func(t *testing.T) {
		client := newTestClient(t, Config{Selection: RoundRobinSelection}, servers...)
		ctx := context.Background()

		before := make([]int, len(servers))
		for i, s := range servers {
			before[i] = len(s.Requests())
		}

		for range 6 {
			_ = client.Post(ctx, &PostRequest{Key: "rr", Body: []byte(pricesCSV)})
		}

		for i, s := range servers {
			assert.Equal(t, 2, len(s.Requests())-before[i], "node %d", i)
		}
	})

	t.Run("custom selector", func(t *testing.T) {
		client := newTestClient(t, Config{SelectNode: staticSelector(2)}, servers...)
		require.NoError(t, client.Post(context.Background(), &PostRequest{Key: "custom", Body: []byte(pricesCSV)}))

		_, ok := servers[2].Dataset("custom")
		assert.True(t, ok)
	})
}

func TestClient_Concurrent(t *testing.T) {
	server := testutils.NewServer(t)
	client := newTestClient(t, Config{MaxConcurrentRequests: 4}, server)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := codec.Encoding(i % 3)
			key := "k" + enc.String()
			if err := client.Post(ctx, &PostRequest{Key: key, Body: []byte(pricesCSV), Compress: enc}); err != nil {
				errs <- err
				return
			}
			result, err := client.Get(ctx, &GetRequest{Key: key, Accept: protocol.ContentTypeCSV, AcceptEncoding: enc})
			if err != nil {
				errs <- err
				return
			}
			if string(result.Body) != pricesCSV {
				errs <- errors.New("unexpected body for " + key)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	stats := client.Stats()
	assert.Equal(t, uint64(32), stats.Posts)
	assert.Equal(t, uint64(32), stats.Gets)

	slots := client.NodeStats()[0].Slots
	assert.Equal(t, int32(4), slots.MaxSlots)
	assert.Equal(t, int64(64), slots.AcquireCount)
	assert.Zero(t, slots.InUse)
}

func TestClient_Status(t *testing.T) {
	healthy := testutils.NewServer(t)
	failing := testutils.NewServer(t)
	failing.SetStatus(http.StatusServiceUnavailable)

	client := newTestClient(t, Config{}, healthy)
	require.NoError(t, client.Status(context.Background()))
	require.NoError(t, client.NodeStatus(context.Background(), healthy.URL+"/"))

	client = newTestClient(t, Config{}, healthy, failing)
	err := client.Status(context.Background())

	var serr *protocol.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.Status)

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, failing.URL, rerr.Node)

	err = client.NodeStatus(context.Background(), "http://elsewhere:8888")
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestClient_Statistics(t *testing.T) {
	server := testutils.NewServer(t)
	client := newTestClient(t, Config{}, server)
	ctx := context.Background()

	require.NoError(t, client.Post(ctx, &PostRequest{Key: "prices", Body: []byte(pricesCSV)}))
	_, err := client.Get(ctx, &GetRequest{Key: "prices"})
	require.NoError(t, err)

	stats, err := client.Statistics(ctx, server.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["dataset_count"])
	assert.EqualValues(t, 1, stats["store_count"])
	assert.EqualValues(t, 1, stats["hit_count"])
}

func TestClient_Close(t *testing.T) {
	server := testutils.NewServer(t)
	client, err := NewClient(NewNodes(server.URL), Config{MaxConcurrentRequests: 2})
	require.NoError(t, err)

	client.Close()
	client.Close()

	err = client.Post(context.Background(), &PostRequest{Key: "k", Body: []byte(pricesCSV)})
	require.ErrorIs(t, err, ErrClientClosed)
	assert.Empty(t, server.Requests())
}
