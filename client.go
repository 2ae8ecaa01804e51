// Package qclient is a client for QCache nodes: an HTTP service storing
// tabular datasets under keys and answering queries on them.
//
// A Client is built once from a node list and a Config and is then safe for
// concurrent use. Each call picks a node for its key, frames the body with the
// requested encoding (plain, LZ4 block or LZ4 frame), sends it within the
// configured timeouts and decodes the response according to the encoding the
// node declared.
//
//	client, err := qclient.NewClient(qclient.NewNodes("http://localhost:8888"), qclient.Config{
//	    ReadTimeout: 10 * time.Second,
//	})
//	...
//	err = client.Post(ctx, &qclient.PostRequest{Key: "prices", Body: csv, Compress: codec.LZ4Block})
//	result, err := client.Get(ctx, &qclient.GetRequest{Key: "prices", Accept: protocol.ContentTypeJSON})
package qclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/qclient/codec"
	"github.com/pior/qclient/protocol"
)

// Default timeouts.
const (
	DefaultConnectTimeout = time.Second
	DefaultReadTimeout    = time.Second
)

const (
	opPost       = "post"
	opGet        = "get"
	opQuery      = "query"
	opStatus     = "status"
	opStatistics = "statistics"
)

type (
	PostRequest = protocol.PostRequest
	GetRequest  = protocol.GetRequest
	Result      = protocol.Result
)

// BasicAuth holds HTTP basic authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Config holds configuration for the client.
// It is read once by NewClient; changing it afterwards has no effect.
type Config struct {
	// ReadTimeout bounds the wait for a response once the request is sent.
	// Zero means DefaultReadTimeout.
	ReadTimeout time.Duration

	// ConnectTimeout bounds connection establishment, TLS included.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Selection is the policy used to pick a node for a key.
	// Ignored when SelectNode is set.
	Selection SelectionPolicy

	// SelectNode picks which node to use for a key.
	// If nil, uses the Selection policy.
	SelectNode NodeSelector

	// TLS applies to every node that does not set its own.
	TLS *TLSConfig

	// BasicAuth is sent with every request when set.
	BasicAuth *BasicAuth

	// MaxConcurrentRequests bounds in-flight requests per node. Calls beyond
	// the bound wait for a free slot within their deadline.
	// Zero means unbounded.
	MaxConcurrentRequests int32

	// NewCircuitBreaker creates a circuit breaker for a node.
	// Called once per node URL when the client is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(nodeURL string) *gobreaker.CircuitBreaker[bool]

	// Logger receives a debug record per call and a warning per failure.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Transport replaces the HTTP transport of every node. TLS and
	// ConnectTimeout are not applied to it.
	Transport http.RoundTripper
}

// Client is a QCache client. It holds no state across calls besides its
// configuration, statistics and the round-robin position.
type Client struct {
	nodes      []*nodePool
	selectNode NodeSelector
	timeout    time.Duration
	logger     *slog.Logger
	closed     atomic.Bool

	stats *clientStatsCollector
}

// NewClient creates a client for the given nodes.
// All configuration errors are reported here as *ConfigurationError.
func NewClient(nodes []Node, config Config) (*Client, error) {
	if len(nodes) == 0 {
		return nil, &ConfigurationError{Field: "nodes", Message: "at least one node is required"}
	}

	if config.ReadTimeout < 0 {
		return nil, &ConfigurationError{Field: "read_timeout", Message: fmt.Sprintf("negative duration %s", config.ReadTimeout)}
	}
	if config.ConnectTimeout < 0 {
		return nil, &ConfigurationError{Field: "connect_timeout", Message: fmt.Sprintf("negative duration %s", config.ConnectTimeout)}
	}
	if config.MaxConcurrentRequests < 0 {
		return nil, &ConfigurationError{Field: "max_concurrent_requests", Message: fmt.Sprintf("negative value %d", config.MaxConcurrentRequests)}
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	selectNode, err := newSelector(config.Selection, config.SelectNode)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		nodes:      make([]*nodePool, 0, len(nodes)),
		selectNode: selectNode,
		timeout:    config.ConnectTimeout + config.ReadTimeout,
		logger:     logger,
		stats:      newClientStatsCollector(),
	}

	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		base, err := parseNodeURL(node.URL)
		if err != nil {
			client.Close()
			return nil, err
		}
		if seen[base.String()] {
			client.Close()
			return nil, &ConfigurationError{Field: "nodes", Message: "duplicate node " + node.URL}
		}
		seen[base.String()] = true

		np, err := newNodePool(node, base, &config)
		if err != nil {
			client.Close()
			return nil, err
		}
		client.nodes = append(client.nodes, np)
	}

	return client, nil
}

// Close releases idle connections and per-node limiters.
// Calls made afterwards fail with ErrClientClosed.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	for _, np := range c.nodes {
		np.Close()
	}
}

// Nodes returns the configured nodes in order.
func (c *Client) Nodes() []Node {
	nodes := make([]Node, len(c.nodes))
	for i, np := range c.nodes {
		nodes[i] = np.node
	}
	return nodes
}

// nodeForKey picks the node for a key.
func (c *Client) nodeForKey(key string) *nodePool {
	if len(c.nodes) == 1 {
		return c.nodes[0]
	}
	idx := c.selectNode(key, len(c.nodes))
	if idx < 0 || idx >= len(c.nodes) {
		idx = 0
	}
	return c.nodes[idx]
}

func (c *Client) nodeByURL(nodeURL string) (*nodePool, error) {
	for _, np := range c.nodes {
		if np.node.URL == nodeURL || np.base.String() == strings.TrimRight(nodeURL, "/") {
			return np, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeURL)
}

// call describes one request through the dispatch path.
type call struct {
	op       string
	np       *nodePool
	key      string
	method   string
	path     string
	req      *protocol.GetRequest // params and headers, for reads
	header   http.Header
	body     []byte
	encoding codec.Encoding // encoding involved, for error context
}

// do sends the call and returns the complete response.
// Transport failures come back as *TransportError.
func (c *Client) do(ctx context.Context, cl *call) (*exchange, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var query map[string][]string
	if cl.req != nil {
		query = cl.req.Params
	}

	var body *bytes.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	u := cl.np.url(cl.path, query)
	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, cl.method, u.String(), nil)
	}
	if err != nil {
		return nil, c.requestError(cl, err)
	}
	for k, v := range cl.header {
		httpReq.Header[k] = v
	}

	c.stats.recordSent(len(cl.body))

	start := time.Now()
	ex, err := cl.np.Execute(httpReq)
	if err != nil {
		return nil, c.transportError(cl, err)
	}

	c.stats.recordReceived(len(ex.body))
	c.logger.Debug("qclient: request",
		"op", cl.op,
		"node", cl.np.node.URL,
		"key", cl.key,
		"status", ex.status,
		"encoding", ex.header.Get(protocol.HeaderContentEncoding),
		"bytes", len(ex.body),
		"duration", time.Since(start),
	)
	return ex, nil
}

func (c *Client) transportError(cl *call, err error) error {
	terr := &TransportError{
		Op:      cl.op,
		Node:    cl.np.node.URL,
		Key:     cl.key,
		Timeout: isTimeoutCause(err),
		Err:     err,
	}
	c.stats.recordTransportError(terr.Timeout)
	c.logger.Warn("qclient: transport failure", "op", cl.op, "node", terr.Node, "key", cl.key, "timeout", terr.Timeout, "error", err)
	return terr
}

func (c *Client) requestError(cl *call, err error) error {
	nodeURL := ""
	if cl.np != nil {
		nodeURL = cl.np.node.URL
	}
	c.stats.recordRequestError()
	c.logger.Warn("qclient: request failed", "op", cl.op, "node", nodeURL, "key", cl.key, "error", err)
	return &RequestError{Op: cl.op, Node: nodeURL, Key: cl.key, Encoding: cl.encoding, Err: err}
}

// Post stores a dataset under req.Key.
func (c *Client) Post(ctx context.Context, req *PostRequest) error {
	c.stats.recordOp(opPost)
	cl := &call{op: opPost, np: c.nodeForKey(req.Key), key: req.Key, method: http.MethodPost, encoding: req.Compress}
	if cl.encoding == codec.None {
		cl.encoding = req.ContentEncoding
	}

	body, header, err := protocol.EncodePost(req)
	if err != nil {
		return c.requestError(cl, err)
	}
	if body == nil {
		body = []byte{}
	}
	cl.path = protocol.DatasetPath(req.Key)
	cl.header = header
	cl.body = body

	ex, err := c.do(ctx, cl)
	if err != nil {
		return err
	}

	if err := protocol.CheckStatus(ex.status, ex.header, ex.body); err != nil {
		return c.requestError(cl, err)
	}
	return nil
}

// Get reads the dataset stored under req.Key. req.Params are passed to the
// node unmodified; a query goes in the "q" parameter (see protocol.QueryParams).
func (c *Client) Get(ctx context.Context, req *GetRequest) (*Result, error) {
	c.stats.recordOp(opGet)
	cl := &call{op: opGet, np: c.nodeForKey(req.Key), key: req.Key, method: http.MethodGet, req: req}

	header, err := protocol.EncodeGet(req)
	if err != nil {
		return nil, c.requestError(cl, err)
	}
	cl.path = protocol.DatasetPath(req.Key)
	cl.header = header

	return c.read(ctx, cl, req.Accept)
}

// Query runs query against the dataset stored under req.Key, sending it in
// the request body. Strings and byte slices are sent as-is, other values are
// marshaled to JSON.
func (c *Client) Query(ctx context.Context, req *GetRequest, query any) (*Result, error) {
	c.stats.recordOp(opQuery)
	cl := &call{op: opQuery, np: c.nodeForKey(req.Key), key: req.Key, method: http.MethodPost, req: req}

	header, err := protocol.EncodeGet(req)
	if err != nil {
		return nil, c.requestError(cl, err)
	}
	body, err := protocol.EncodeQuery(query)
	if err != nil {
		return nil, c.requestError(cl, err)
	}
	if header.Get(protocol.HeaderContentType) == "" {
		header.Set(protocol.HeaderContentType, protocol.ContentTypeJSON)
	}
	cl.path = protocol.DatasetPath(req.Key) + protocol.QuerySuffix
	cl.header = header
	cl.body = body

	return c.read(ctx, cl, req.Accept)
}

func (c *Client) read(ctx context.Context, cl *call, accept string) (*Result, error) {
	ex, err := c.do(ctx, cl)
	if err != nil {
		return nil, err
	}

	result, err := protocol.Decode(ex.status, ex.header, ex.body, accept)
	if err != nil {
		if enc, perr := codec.ParseEncoding(ex.header.Get(protocol.HeaderContentEncoding)); perr == nil {
			cl.encoding = enc
		}
		return nil, c.requestError(cl, err)
	}
	return result, nil
}

// Status probes every node with GET /qcache/status. It returns nil when all
// nodes are healthy, otherwise the joined errors of the failing nodes.
func (c *Client) Status(ctx context.Context) error {
	errs := make([]error, len(c.nodes))

	var wg sync.WaitGroup
	for i, np := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.nodeStatus(ctx, np)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// NodeStatus probes a single node with GET /qcache/status.
func (c *Client) NodeStatus(ctx context.Context, nodeURL string) error {
	np, err := c.nodeByURL(nodeURL)
	if err != nil {
		return err
	}
	return c.nodeStatus(ctx, np)
}

func (c *Client) nodeStatus(ctx context.Context, np *nodePool) error {
	c.stats.recordOp(opStatus)
	cl := &call{op: opStatus, np: np, method: http.MethodGet, path: protocol.PathStatus}

	ex, err := c.do(ctx, cl)
	if err != nil {
		return err
	}
	if err := protocol.CheckStatus(ex.status, ex.header, ex.body); err != nil {
		return c.requestError(cl, err)
	}
	return nil
}

// Statistics returns the statistics a node keeps about its cache and traffic.
func (c *Client) Statistics(ctx context.Context, nodeURL string) (map[string]any, error) {
	np, err := c.nodeByURL(nodeURL)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set(protocol.HeaderAccept, protocol.ContentTypeJSON)
	cl := &call{op: opStatistics, np: np, method: http.MethodGet, path: protocol.PathStatistics, header: header}

	ex, err := c.do(ctx, cl)
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(ex.status, ex.header, ex.body); err != nil {
		return nil, c.requestError(cl, err)
	}

	var stats map[string]any
	if err := json.Unmarshal(ex.body, &stats); err != nil {
		return nil, c.requestError(cl, &protocol.ProtocolError{Message: "statistics are not a JSON object", Err: err})
	}
	return stats, nil
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// NodeStats returns stats for every node, in configuration order.
func (c *Client) NodeStats() []NodeStats {
	stats := make([]NodeStats, len(c.nodes))
	for i, np := range c.nodes {
		stats[i] = np.Stats()
	}
	return stats
}
