// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultServerListen is the relay's default bind address.
const DefaultServerListen = "0.0.0.0:4144"

// DefaultTLSListen is the relay's default bind address when TLS is
// enabled (spec.md §6).
const DefaultTLSListen = "0.0.0.0:4145"

// ServerConfig is the relay's YAML configuration.
type ServerConfig struct {
	Server     ServerListen     `yaml:"server"`
	TLS        TLSServer        `yaml:"tls"`
	Buffer     BufferConfig     `yaml:"buffer"`
	IdleReaper IdleReaperConfig `yaml:"idle_reaper"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingInfo      `yaml:"logging"`
}

// ServerListen is the relay's TCP bind address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// BufferConfig sizes the per-caster replay buffer and the
// per-connection outbound backpressure bound.
type BufferConfig struct {
	Capacity      string `yaml:"capacity"`        // per-caster replay window, default: 4mb
	OutQueueBound string `yaml:"out_queue_bound"` // per-connection outbound bound, default: 64mb
	AuditDir      string `yaml:"audit_dir"`       // "" disables the zstd-compressed drop audit trail

	CapacityRaw      int64 `yaml:"-"`
	OutQueueBoundRaw int64 `yaml:"-"`
}

// IdleReaperConfig configures the cron-driven sweep that closes casting
// connections that have seen no activity for Timeout. Enabled is a
// pointer so an absent YAML field (default: on) is distinguishable
// from an explicit `enabled: false`.
type IdleReaperConfig struct {
	Enabled *bool         `yaml:"enabled"` // nil -> default true
	Timeout time.Duration `yaml:"timeout"` // default: 30m

	EnabledRaw bool `yaml:"-"`
}

// MetricsConfig configures the optional ACL-gated HTTP endpoint
// exposing session counts and host resource stats.
type MetricsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Listen       string   `yaml:"listen"`       // default: "127.0.0.1:4146"
	AllowOrigins []string `yaml:"allow_origins"` // IP or CIDR (deny-by-default)

	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadServerConfig reads and validates the relay's YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}
	return &cfg, nil
}

// DefaultServerConfig returns a ServerConfig with every default
// applied, used when the relay is invoked with only CLI flags.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	_ = cfg.validate()
	return cfg
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		if c.TLS.Enabled {
			c.Server.Listen = DefaultTLSListen
		} else {
			c.Server.Listen = DefaultServerListen
		}
	}

	if c.TLS.Enabled {
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required when tls.enabled is true")
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required when tls.enabled is true")
		}
		if c.TLS.RequireClientCert && c.TLS.ClientCACert == "" {
			return fmt.Errorf("tls.client_ca_cert is required when tls.require_client_cert is true")
		}
	}

	if c.Buffer.Capacity == "" {
		c.Buffer.Capacity = "4mb"
	}
	capRaw, err := ParseByteSize(c.Buffer.Capacity)
	if err != nil {
		return fmt.Errorf("buffer.capacity: %w", err)
	}
	if capRaw <= 0 {
		return fmt.Errorf("buffer.capacity must be > 0, got %s", c.Buffer.Capacity)
	}
	c.Buffer.CapacityRaw = capRaw

	if c.Buffer.OutQueueBound == "" {
		c.Buffer.OutQueueBound = "64mb"
	}
	boundRaw, err := ParseByteSize(c.Buffer.OutQueueBound)
	if err != nil {
		return fmt.Errorf("buffer.out_queue_bound: %w", err)
	}
	if boundRaw <= 0 {
		return fmt.Errorf("buffer.out_queue_bound must be > 0, got %s", c.Buffer.OutQueueBound)
	}
	c.Buffer.OutQueueBoundRaw = boundRaw

	if c.IdleReaper.Enabled == nil {
		c.IdleReaper.EnabledRaw = true
	} else {
		c.IdleReaper.EnabledRaw = *c.IdleReaper.Enabled
	}
	if c.IdleReaper.EnabledRaw && c.IdleReaper.Timeout <= 0 {
		c.IdleReaper.Timeout = 30 * time.Minute
	}

	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			c.Metrics.Listen = "127.0.0.1:4146"
		}
		if len(c.Metrics.AllowOrigins) == 0 {
			return fmt.Errorf("metrics.allow_origins is required when metrics is enabled (deny-by-default)")
		}
		for _, origin := range c.Metrics.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("metrics.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Metrics.ParsedCIDRs = append(c.Metrics.ParsedCIDRs, cidr)
		}
	}

	c.Logging.setDefaults()
	return nil
}
