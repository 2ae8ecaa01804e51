package qclient

import (
	"crypto/tls"
	"crypto/x509"
	"os"
)

// TLSConfig holds the transport security options of a node.
type TLSConfig struct {
	// CAFile is a PEM bundle used instead of the system roots to verify the
	// node certificate.
	CAFile string

	// CertFile and KeyFile hold a PEM client certificate and its key.
	// Both or neither must be set.
	CertFile string
	KeyFile  string

	// InsecureSkipVerify disables verification of the node certificate.
	InsecureSkipVerify bool

	// DisableTrustEnv ignores HTTP_PROXY, HTTPS_PROXY and NO_PROXY from the
	// environment and always connects directly.
	DisableTrustEnv bool
}

// clientTLSConfig loads the certificate material referenced by c.
// It returns nil when nothing needs to differ from the defaults.
func (c *TLSConfig) clientTLSConfig() (*tls.Config, error) {
	if c == nil || (c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" && !c.InsecureSkipVerify) {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, &ConfigurationError{Field: "tls.ca_file", Message: "cannot read " + c.CAFile, Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &ConfigurationError{Field: "tls.ca_file", Message: "no certificates found in " + c.CAFile}
		}
		cfg.RootCAs = pool
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, &ConfigurationError{Field: "tls.cert_file", Message: "cert_file and key_file must be set together"}
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, &ConfigurationError{Field: "tls.cert_file", Message: "cannot load client certificate", Err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
