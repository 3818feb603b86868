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

// DefaultStreamAddress is the relay address a streamer connects to
// when neither a config file nor --address names one.
const DefaultStreamAddress = "127.0.0.1:4144"

// DefaultBufferSize is the streamer's replay buffer capacity.
const DefaultBufferSize = 4 * 1024 * 1024

// StreamConfig is the optional YAML configuration for the `stream`
// subcommand; every field here also has a CLI flag equivalent, and the
// flag wins when both are set.
type StreamConfig struct {
	Address    string        `yaml:"address"`
	TLS        TLSClient     `yaml:"tls"`
	BufferSize string        `yaml:"buffer_size"` // e.g. "4mb" (default: 4mb)
	Heartbeat  time.Duration `yaml:"heartbeat"`   // default: 30s
	Logging    LoggingInfo   `yaml:"logging"`

	BufferSizeRaw int64 `yaml:"-"`
}

// LoadStreamConfig reads and validates a stream YAML config file.
func LoadStreamConfig(path string) (*StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stream config: %w", err)
	}

	var cfg StreamConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing stream config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating stream config: %w", err)
	}
	return &cfg, nil
}

// DefaultStreamConfig returns a StreamConfig with every default applied,
// used when the streamer is invoked with only CLI flags.
func DefaultStreamConfig() *StreamConfig {
	cfg := &StreamConfig{}
	_ = cfg.validate()
	return cfg
}

func (c *StreamConfig) validate() error {
	if c.Address == "" {
		c.Address = DefaultStreamAddress
	}
	if c.BufferSize == "" {
		c.BufferSize = "4mb"
	}
	parsed, err := ParseByteSize(c.BufferSize)
	if err != nil {
		return fmt.Errorf("buffer_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("buffer_size must be > 0, got %s", c.BufferSize)
	}
	c.BufferSizeRaw = parsed

	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}

	c.Logging.setDefaults()
	return nil
}
