// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/teleterm/internal/config"
)

func TestLoadServerConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := loadServerConfig("/nonexistent/server.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != config.DefaultServerListen {
		t.Errorf("expected default listen address, got %q", cfg.Server.Listen)
	}
	if cfg.Buffer.CapacityRaw == 0 {
		t.Error("expected a default buffer capacity")
	}
}

func TestLoadServerConfigReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	body := "server:\n  listen: \"127.0.0.1:9999\"\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := loadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Errorf("expected configured listen address, got %q", cfg.Server.Listen)
	}
}

func TestLoadServerConfigInvalidFilePropagatesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	body := "tls:\n  enabled: true\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := loadServerConfig(path); err == nil {
		t.Fatal("expected validation error for tls.enabled without certs")
	}
}
