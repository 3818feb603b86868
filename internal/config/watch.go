// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WatchConfig is the optional YAML configuration for the `watch`
// subcommand; every field also has a CLI flag equivalent, and the flag
// wins when both are set.
type WatchConfig struct {
	Address   string        `yaml:"address"`
	Username  string        `yaml:"username"`
	TLS       TLSClient     `yaml:"tls"`
	Heartbeat time.Duration `yaml:"heartbeat"` // default: 30s
	Logging   LoggingInfo   `yaml:"logging"`
}

// LoadWatchConfig reads and validates a watch YAML config file.
func LoadWatchConfig(path string) (*WatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watch config: %w", err)
	}

	var cfg WatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing watch config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating watch config: %w", err)
	}
	return &cfg, nil
}

// DefaultWatchConfig returns a WatchConfig with every default applied,
// used when the watcher is invoked with only CLI flags.
func DefaultWatchConfig() *WatchConfig {
	cfg := &WatchConfig{}
	_ = cfg.validate()
	return cfg
}

func (c *WatchConfig) validate() error {
	if c.Address == "" {
		c.Address = DefaultStreamAddress
	}
	if c.Username == "" {
		if u := os.Getenv("USER"); u != "" {
			c.Username = u
		} else {
			c.Username = "anonymous"
		}
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	c.Logging.setDefaults()
	return nil
}
