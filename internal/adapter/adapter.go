package adapter

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrNoCACerts = errors.New("no certificates found in CA file")

// LoadTLSConfig builds the client TLS config used to reach the brokers:
// the cluster CA is trusted and the client authenticates with its own
// certificate.
func LoadTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	const op = "adapter.LoadTLSConfig"

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: %s: %w", op, caFile, ErrNoCACerts)
	}

	client, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &tls.Config{
		RootCAs:      roots,
		Certificates: []tls.Certificate{client},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
