package qclient

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/qclient/internal"
)

var responseBuffers = internal.NewBufferPool(64 * 1024)

// nodePool holds everything needed to talk to one node: its HTTP client, the
// limiter of in-flight requests and the circuit breaker.
// It is built once by NewClient and never modified.
type nodePool struct {
	node           Node
	base           *url.URL
	httpClient     *http.Client
	basicAuth      *BasicAuth
	slots          *puddle.Pool[struct{}]          // nil if not configured
	circuitBreaker *gobreaker.CircuitBreaker[bool] // nil if not configured
	stats          nodeStatsCollector
}

// exchange is a response read to completion.
type exchange struct {
	status int
	header http.Header
	body   []byte
}

func newNodePool(node Node, base *url.URL, config *Config) (*nodePool, error) {
	np := &nodePool{
		node:      node,
		base:      base,
		basicAuth: config.BasicAuth,
	}

	transport := config.Transport
	if transport == nil {
		tlsOptions := config.TLS
		if node.TLS != nil {
			tlsOptions = node.TLS
		}
		t, err := newTransport(tlsOptions, config)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	// No http.Client timeout: calls are bounded by their context.
	np.httpClient = &http.Client{Transport: transport}

	if config.MaxConcurrentRequests > 0 {
		slots, err := puddle.NewPool(&puddle.Config[struct{}]{
			Constructor: func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
			Destructor:  func(struct{}) {},
			MaxSize:     config.MaxConcurrentRequests,
		})
		if err != nil {
			return nil, &ConfigurationError{Field: "max_concurrent_requests", Message: "cannot create limiter", Err: err}
		}
		np.slots = slots
	}

	if config.NewCircuitBreaker != nil {
		np.circuitBreaker = config.NewCircuitBreaker(node.URL)
	}

	return np, nil
}

func newTransport(tlsOptions *TLSConfig, config *Config) (*http.Transport, error) {
	tlsConfig, err := tlsOptions.clientTLSConfig()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
		// Bodies are lz4 or plain; a transparent gzip layer would hide the
		// Content-Encoding the node chose.
		DisableCompression: true,
	}

	if tlsOptions != nil && tlsOptions.DisableTrustEnv {
		t.Proxy = nil
	}

	if config.MaxConcurrentRequests > 0 {
		t.MaxConnsPerHost = int(config.MaxConcurrentRequests)
		t.MaxIdleConnsPerHost = int(config.MaxConcurrentRequests)
	}

	return t, nil
}

// url returns the absolute URL for path on this node.
func (np *nodePool) url(path string, query url.Values) *url.URL {
	u := *np.base
	u.Path = np.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

// Execute sends req and reads the full response.
// The request is wrapped with the node's circuit breaker when one is configured.
// A request cancelled by its caller is reported to the breaker as a success.
func (np *nodePool) Execute(req *http.Request) (*exchange, error) {
	np.stats.recordRequest()

	if np.basicAuth != nil {
		req.SetBasicAuth(np.basicAuth.Username, np.basicAuth.Password)
	}

	var ex *exchange
	var err error
	if np.circuitBreaker == nil {
		ex, err = np.execDirect(req)
	} else {
		var callErr error
		_, err = np.circuitBreaker.Execute(func() (bool, error) {
			ex, callErr = np.execDirect(req)
			if callErr != nil && errors.Is(req.Context().Err(), context.Canceled) {
				// The caller gave up; the node did not fail.
				return false, nil
			}
			return callErr == nil, callErr
		})
		if err == nil {
			err = callErr
		}
	}

	if err != nil {
		np.stats.recordError()
		return nil, err
	}
	return ex, nil
}

// execDirect performs the round trip without circuit breaker. A body that
// cannot be read to the end is discarded.
func (np *nodePool) execDirect(req *http.Request) (*exchange, error) {
	if np.slots != nil {
		slot, err := np.slots.Acquire(req.Context())
		if err != nil {
			return nil, err
		}
		defer slot.Release()
	}

	resp, err := np.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := responseBuffers.Get()
	defer responseBuffers.Put(buf)

	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	return &exchange{
		status: resp.StatusCode,
		header: resp.Header,
		body:   bytes.Clone(buf.Bytes()),
	}, nil
}

func (np *nodePool) Stats() NodeStats {
	stats := NodeStats{
		URL:      np.node.URL,
		Requests: np.stats.requests.Load(),
		Errors:   np.stats.errors.Load(),
		LastUsed: np.stats.lastUsedTime(),
	}

	if np.slots != nil {
		s := np.slots.Stat()
		stats.Slots = SlotStats{
			MaxSlots:             s.MaxResources(),
			InUse:                s.AcquiredResources(),
			AcquireCount:         s.AcquireCount(),
			AcquireWaitCount:     s.EmptyAcquireCount(),
			CanceledAcquireCount: s.CanceledAcquireCount(),
			AcquireDuration:      s.AcquireDuration(),
		}
	}

	if np.circuitBreaker != nil {
		stats.CircuitBreakerState = np.circuitBreaker.State()
		stats.CircuitBreakerCounts = np.circuitBreaker.Counts()
	}
	return stats
}

func (np *nodePool) Close() {
	if np.slots != nil {
		np.slots.Close()
	}
	np.httpClient.CloseIdleConnections()
}
