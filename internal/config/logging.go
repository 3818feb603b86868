// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

// LoggingInfo configures the shared slog-based logger used by every
// teleterm process.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // empty writes to stdout only
}

func (l *LoggingInfo) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// TLSClient carries the client-side TLS trust/verification knobs. Unlike
// the teacher's mandatory mTLS, teleterm defaults to server-cert-only
// verification; ClientCert/ClientKey are only needed if the relay is
// configured to require a client certificate.
type TLSClient struct {
	Enabled    bool   `yaml:"enabled"`     // default: false (plain TCP)
	CACert     string `yaml:"ca_cert"`     // optional: verify the server cert against a private CA
	ServerName string `yaml:"server_name"` // optional SNI / verification override
	ClientCert string `yaml:"client_cert"` // optional: only set if the relay requires client certs
	ClientKey  string `yaml:"client_key"`
	Insecure   bool   `yaml:"insecure_skip_verify"` // dev-only escape hatch, never default
}

// TLSServer carries the relay's TLS listener configuration. Client
// certificate verification is opt-in, relaxed from the teacher's
// mandatory mTLS model per teleterm's simpler trust model.
type TLSServer struct {
	Enabled           bool   `yaml:"enabled"` // default: false (plain TCP)
	ServerCert        string `yaml:"server_cert"`
	ServerKey         string `yaml:"server_key"`
	ClientCACert      string `yaml:"client_ca_cert"`      // set together with RequireClientCert
	RequireClientCert bool   `yaml:"require_client_cert"` // default: false
}
