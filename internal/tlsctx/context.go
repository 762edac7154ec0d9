// Package tlsctx holds the server-side TLS configuration of the proxy listener.
package tlsctx

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// Context is an immutable server TLS configuration built once from PEM material.
type Context struct {
	config *tls.Config
}

// New builds a Context from a PEM certificate chain and a PEM private key.
func New(certPEM, keyPEM []byte) (*Context, error) {
	if err := validatePEMData(certPEM); err != nil {
		return nil, fmt.Errorf("invalid certificate PEM: %w", err)
	}
	if err := validatePEMData(keyPEM); err != nil {
		return nil, fmt.Errorf("invalid key PEM: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to build key pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	cfg := newDefaultTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return &Context{config: cfg}, nil
}

// Server wraps conn in a server-side TLS connection. The handshake runs on
// first I/O or an explicit HandshakeContext call.
func (c *Context) Server(conn net.Conn) *tls.Conn {
	return tls.Server(conn, c.config)
}

// newDefaultTLSConfig returns a tls.Config with strong modern settings.
func newDefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		NextProtos: []string{"http/1.1"},
	}
}
