package qclient

import (
	"net/url"
	"strings"
)

// Node is a QCache endpoint. It is immutable once the client is built.
type Node struct {
	// URL is the base URL of the node, e.g. "http://localhost:8888".
	URL string

	// TLS overrides Config.TLS for this node. Nil means use Config.TLS.
	TLS *TLSConfig
}

// NewNodes returns nodes for the given URLs, in order.
func NewNodes(urls ...string) []Node {
	nodes := make([]Node, len(urls))
	for i, u := range urls {
		nodes[i] = Node{URL: u}
	}
	return nodes
}

// parseNodeURL validates a node URL and strips its trailing slash.
func parseNodeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &ConfigurationError{Field: "nodes", Message: "invalid URL " + raw, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigurationError{Field: "nodes", Message: "unsupported scheme in " + raw + ", expected http or https"}
	}
	if u.Host == "" {
		return nil, &ConfigurationError{Field: "nodes", Message: "missing host in " + raw}
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, &ConfigurationError{Field: "nodes", Message: "query or fragment not allowed in " + raw}
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u, nil
}
