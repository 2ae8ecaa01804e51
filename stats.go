package qclient

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/qclient/internal/coarsetime"
)

// ClientStats contains statistics about client operations.
// All fields are safe for concurrent access.
//
// For Prometheus integration, see the metrics package.
type ClientStats struct {
	Posts        uint64 // Total Post operations
	Gets         uint64 // Total Get operations
	Queries      uint64 // Total Query operations
	StatusChecks uint64 // Total status probes, one per node

	Errors          uint64 // Total errors across all operations
	TransportErrors uint64 // Errors eligible for retry, timeouts included
	Timeouts        uint64 // Transport errors caused by a timeout
	RequestErrors   uint64 // Validation, status, codec and protocol errors

	BytesSent     uint64 // Request body bytes handed to the transport, failed calls included
	BytesReceived uint64 // Response body bytes of completed exchanges, as received
}

// SlotStats describes the per-node limiter of in-flight requests.
// It is zero when Config.MaxConcurrentRequests is not set.
type SlotStats struct {
	MaxSlots             int32
	InUse                int32
	AcquireCount         int64         // Total acquires
	AcquireWaitCount     int64         // Acquires that had to wait for a free slot
	CanceledAcquireCount int64         // Acquires abandoned because the context ended
	AcquireDuration      time.Duration // Total time spent acquiring
}

// NodeStats contains statistics for a single node.
type NodeStats struct {
	URL                  string
	Requests             uint64
	Errors               uint64 // Transport errors only
	LastUsed             time.Time
	Slots                SlotStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// clientStatsCollector provides internal methods for updating client stats.
// Not exported - client updates its own stats.
type clientStatsCollector struct {
	stats ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{}
}

func (c *clientStatsCollector) recordOp(op string) {
	switch op {
	case opPost:
		atomic.AddUint64(&c.stats.Posts, 1)
	case opGet:
		atomic.AddUint64(&c.stats.Gets, 1)
	case opQuery:
		atomic.AddUint64(&c.stats.Queries, 1)
	case opStatus:
		atomic.AddUint64(&c.stats.StatusChecks, 1)
	}
}

func (c *clientStatsCollector) recordTransportError(timeout bool) {
	atomic.AddUint64(&c.stats.Errors, 1)
	atomic.AddUint64(&c.stats.TransportErrors, 1)
	if timeout {
		atomic.AddUint64(&c.stats.Timeouts, 1)
	}
}

func (c *clientStatsCollector) recordRequestError() {
	atomic.AddUint64(&c.stats.Errors, 1)
	atomic.AddUint64(&c.stats.RequestErrors, 1)
}

func (c *clientStatsCollector) recordSent(n int) {
	atomic.AddUint64(&c.stats.BytesSent, uint64(n))
}

func (c *clientStatsCollector) recordReceived(n int) {
	atomic.AddUint64(&c.stats.BytesReceived, uint64(n))
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Posts:           atomic.LoadUint64(&c.stats.Posts),
		Gets:            atomic.LoadUint64(&c.stats.Gets),
		Queries:         atomic.LoadUint64(&c.stats.Queries),
		StatusChecks:    atomic.LoadUint64(&c.stats.StatusChecks),
		Errors:          atomic.LoadUint64(&c.stats.Errors),
		TransportErrors: atomic.LoadUint64(&c.stats.TransportErrors),
		Timeouts:        atomic.LoadUint64(&c.stats.Timeouts),
		RequestErrors:   atomic.LoadUint64(&c.stats.RequestErrors),
		BytesSent:       atomic.LoadUint64(&c.stats.BytesSent),
		BytesReceived:   atomic.LoadUint64(&c.stats.BytesReceived),
	}
}

// nodeStatsCollector tracks request counts of one node.
type nodeStatsCollector struct {
	requests atomic.Uint64
	errors   atomic.Uint64
	lastUsed atomic.Int64 // unix nanoseconds, coarse
}

func (c *nodeStatsCollector) recordRequest() {
	c.requests.Add(1)
	c.lastUsed.Store(coarsetime.Now().UnixNano())
}

func (c *nodeStatsCollector) recordError() {
	c.errors.Add(1)
}

func (c *nodeStatsCollector) lastUsedTime() time.Time {
	ns := c.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
