// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/teleterm/internal/config"
	"github.com/nishisan-dev/teleterm/internal/logging"
	"github.com/nishisan-dev/teleterm/internal/relay"
	"github.com/nishisan-dev/teleterm/internal/tlsconf"
)

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/teleterm/server.yaml", "path to server config file")
	connLogDir := fs.String("conn-log-dir", "", "directory for per-connection log files (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		return fmt.Errorf("server: loading config: %w", err)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	relayCfg := relay.Config{
		Listen:         cfg.Server.Listen,
		BufferCapacity: int(cfg.Buffer.CapacityRaw),
		OutQueueBound:  cfg.Buffer.OutQueueBoundRaw,
		ConnLogDir:     *connLogDir,
		AuditDir:       cfg.Buffer.AuditDir,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlsconf.NewServerConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		relayCfg.TLSConfig = tlsConfig
	}

	if cfg.IdleReaper.EnabledRaw {
		relayCfg.IdleTimeout = cfg.IdleReaper.Timeout
	}

	if cfg.Metrics.Enabled {
		relayCfg.MetricsListen = cfg.Metrics.Listen
		relayCfg.MetricsAllowCIDRs = cfg.Metrics.ParsedCIDRs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv := relay.New(relayCfg, logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// loadServerConfig falls back to an all-defaults config when the
// config file does not exist, since spec.md's server subcommand names
// no required flags — only --config, whose default path is advisory.
func loadServerConfig(path string) (*config.ServerConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultServerConfig(), nil
	}
	return config.LoadServerConfig(path)
}
