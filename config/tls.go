package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// Enabled reports whether any certificate path is set.
func (t *TLSConfig) Enabled() bool {
	return t != nil && (t.CACert != "" || t.NodeCert != "" || t.NodeKey != "")
}

// LoadTLSConfig builds the mutual-TLS configuration dungeons and players use
// on the wire protocol. It returns (nil, nil) when t is not enabled, which
// callers treat as plain TCP.
func LoadTLSConfig(t *TLSConfig) (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	if t.CACert == "" || t.NodeCert == "" || t.NodeKey == "" {
		return nil, errors.New("tls: ca_cert, node_cert and node_key must all be set")
	}

	pair, err := tls.LoadX509KeyPair(t.NodeCert, t.NodeKey)
	if err != nil {
		return nil, errors.Wrap(err, "tls: load node key pair")
	}
	caPEM, err := os.ReadFile(t.CACert)
	if err != nil {
		return nil, errors.Wrap(err, "tls: read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.Errorf("tls: no certificate found in %s", t.CACert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
