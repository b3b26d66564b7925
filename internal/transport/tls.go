package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/quicgate/quicgate/internal/protocol"
)

// LoadServerTLSConfig loads the relay's certificate and client CA pool.
// Client certificates are required and verified: every registration and
// routing decision hangs off the peer identity.
func LoadServerTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{protocol.ALPNProtocol},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	if clientCAFile != "" {
		pool, err := LoadCAPool(clientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// LoadClientTLSConfig loads a client certificate and the relay CA.
// Peer verification is on unless insecureSkipVerify is set explicitly; that
// switch exists for lab setups and is loudly not the default.
func LoadClientTLSConfig(certFile, keyFile, caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{protocol.ALPNProtocol},
		InsecureSkipVerify: insecureSkipVerify,
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// LoadCAPool loads a CA certificate pool from a PEM file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("parsing CA certificate %s: no certificates found", caFile)
	}
	return pool, nil
}

// TLSConfigFromBytes builds a client TLS config from PEM-encoded material.
// Used by tests and the FFI boundary, where certificates arrive as buffers
// rather than files.
func TLSConfigFromBytes(certPEM, keyPEM, caPEM []byte, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{protocol.ALPNProtocol},
		InsecureSkipVerify: insecureSkipVerify,
	}

	if len(certPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parsing CA certificate: no certificates found")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
