package qclient

import (
	"strings"
	"sync/atomic"

	"github.com/pior/qclient/internal"
	"github.com/zeebo/xxh3"
)

// NodeSelector picks which node handles a key.
// It receives the key and the number of configured nodes and returns an
// index in [0, nodeCount).
type NodeSelector func(key string, nodeCount int) int

// SelectionPolicy is how the client spreads keys over nodes.
type SelectionPolicy int

const (
	// HashSelection always sends a key to the same node, so reads find what
	// was written. It is the default.
	HashSelection SelectionPolicy = iota

	// RoundRobinSelection rotates over nodes on every call regardless of the
	// key. Only suitable when every node can serve every key.
	RoundRobinSelection
)

func (p SelectionPolicy) String() string {
	switch p {
	case HashSelection:
		return "hash"
	case RoundRobinSelection:
		return "round-robin"
	default:
		return "unknown"
	}
}

// ParseSelectionPolicy parses "hash" or "round-robin". Empty means hash.
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hash":
		return HashSelection, nil
	case "round-robin", "roundrobin":
		return RoundRobinSelection, nil
	}
	return 0, &ConfigurationError{Field: "selection", Message: "unknown policy " + s}
}

// DefaultNodeSelector uses Jump Hash over the xxh3 hash of the key.
// The result depends only on the key and the node count.
func DefaultNodeSelector(key string, nodeCount int) int {
	return internal.JumpHash(xxh3.HashString(key), nodeCount)
}

// RoundRobinSelector returns a selector cycling over nodes. The counter is
// updated atomically, concurrent calls get distinct positions.
func RoundRobinSelector() NodeSelector {
	var next atomic.Uint64
	return func(_ string, nodeCount int) int {
		if nodeCount <= 1 {
			return 0
		}
		return int((next.Add(1) - 1) % uint64(nodeCount))
	}
}

// staticSelector is used in tests to always select a specific node.
func staticSelector(index int) NodeSelector {
	return func(key string, nodeCount int) int {
		return index % nodeCount
	}
}

func newSelector(policy SelectionPolicy, custom NodeSelector) (NodeSelector, error) {
	if custom != nil {
		return custom, nil
	}

	switch policy {
	case HashSelection:
		return DefaultNodeSelector, nil
	case RoundRobinSelection:
		return RoundRobinSelector(), nil
	}
	return nil, &ConfigurationError{Field: "selection", Message: "unknown policy " + policy.String()}
}
