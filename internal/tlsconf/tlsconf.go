// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tlsconf builds crypto/tls.Config values for teleterm's client
// and relay. Unlike the teacher's mandatory mTLS, teleterm's default
// trust model is server-cert verification only; a client certificate
// is only required when the relay's config opts into it.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nishisan-dev/teleterm/internal/config"
)

// NewClientConfig builds the TLS config a streamer or watcher dials
// with, from its TLSClient settings.
func NewClientConfig(c config.TLSClient) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.Insecure,
	}

	if c.CACert != "" {
		pool, err := loadCACertPool(c.CACert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.ClientCert != "" || c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// NewServerConfig builds the TLS config the relay listens with, from
// its TLSServer settings. Client certificate verification is only
// enabled when RequireClientCert is set.
func NewServerConfig(c config.TLSServer) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if c.RequireClientCert {
		pool, err := loadCACertPool(c.ClientCACert)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}
	return pool, nil
}
