package qclient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of a client configuration.
//
//	nodes:
//	  - url: http://qcache-1:8888
//	  - url: https://qcache-2:8888
//	    tls: {ca_file: /etc/qcache/ca.pem}
//	read_timeout: 5s
//	connect_timeout: 1s
//	selection: hash
//	basic_auth: {username: svc, password: secret}
//	circuit_breaker: {max_requests: 1, interval: 10s, timeout: 30s}
type FileConfig struct {
	Nodes                 []FileNode          `yaml:"nodes"`
	ReadTimeout           string              `yaml:"read_timeout"`
	ConnectTimeout        string              `yaml:"connect_timeout"`
	Selection             string              `yaml:"selection"`
	MaxConcurrentRequests int32               `yaml:"max_concurrent_requests"`
	TLS                   *FileTLS            `yaml:"tls"`
	BasicAuth             *BasicAuth          `yaml:"basic_auth"`
	CircuitBreaker        *FileCircuitBreaker `yaml:"circuit_breaker"`
}

// FileNode is a node entry. A bare string is accepted as the URL.
type FileNode struct {
	URL string   `yaml:"url"`
	TLS *FileTLS `yaml:"tls"`
}

// UnmarshalYAML accepts both "http://host:port" and {url: ...}.
func (n *FileNode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&n.URL)
	}
	type plain FileNode
	return value.Decode((*plain)(n))
}

type FileTLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	DisableTrustEnv    bool   `yaml:"disable_trust_env"`
}

type FileCircuitBreaker struct {
	MaxRequests uint32 `yaml:"max_requests"`
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
}

// LoadConfig reads a YAML configuration file and returns the nodes and
// Config to pass to NewClient.
func LoadConfig(path string) ([]Node, Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Config{}, &ConfigurationError{Field: "file", Message: "cannot read " + path, Err: err}
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration. See FileConfig for the format.
func ParseConfig(data []byte) ([]Node, Config, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, Config{}, &ConfigurationError{Field: "file", Message: "invalid YAML", Err: err}
	}
	return fc.ToConfig()
}

// ToConfig converts the file form into nodes and a Config.
func (f *FileConfig) ToConfig() ([]Node, Config, error) {
	var config Config

	nodes := make([]Node, 0, len(f.Nodes))
	for i, fn := range f.Nodes {
		if fn.URL == "" {
			return nil, config, &ConfigurationError{Field: "nodes", Message: fmt.Sprintf("node %d has no url", i)}
		}
		nodes = append(nodes, Node{URL: fn.URL, TLS: fn.TLS.toTLSConfig()})
	}

	var err error
	if config.ReadTimeout, err = parseDuration("read_timeout", f.ReadTimeout); err != nil {
		return nil, config, err
	}
	if config.ConnectTimeout, err = parseDuration("connect_timeout", f.ConnectTimeout); err != nil {
		return nil, config, err
	}
	if config.Selection, err = ParseSelectionPolicy(f.Selection); err != nil {
		return nil, config, err
	}

	config.MaxConcurrentRequests = f.MaxConcurrentRequests
	config.TLS = f.TLS.toTLSConfig()
	config.BasicAuth = f.BasicAuth

	if cb := f.CircuitBreaker; cb != nil {
		interval, err := parseDuration("circuit_breaker.interval", cb.Interval)
		if err != nil {
			return nil, config, err
		}
		timeout, err := parseDuration("circuit_breaker.timeout", cb.Timeout)
		if err != nil {
			return nil, config, err
		}
		config.NewCircuitBreaker = NewCircuitBreakerConfig(cb.MaxRequests, interval, timeout)
	}

	return nodes, config, nil
}

func (t *FileTLS) toTLSConfig() *TLSConfig {
	if t == nil {
		return nil
	}
	return &TLSConfig{
		CAFile:             t.CAFile,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		InsecureSkipVerify: t.InsecureSkipVerify,
		DisableTrustEnv:    t.DisableTrustEnv,
	}
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigurationError{Field: field, Message: "invalid duration " + s, Err: err}
	}
	if d < 0 {
		return 0, &ConfigurationError{Field: field, Message: "negative duration " + s}
	}
	return d, nil
}
