// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nishisan-dev/teleterm/internal/client"
	"github.com/nishisan-dev/teleterm/internal/config"
	"github.com/nishisan-dev/teleterm/internal/logging"
	ptydriver "github.com/nishisan-dev/teleterm/internal/pty"
	"github.com/nishisan-dev/teleterm/internal/protocol"
	"github.com/nishisan-dev/teleterm/internal/streamer"
	"github.com/nishisan-dev/teleterm/internal/termbuf"
	"github.com/nishisan-dev/teleterm/internal/tlsconf"
)

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional stream config file (flags win over file values)")
	loginPlain := fs.String("login-plain", "", "self-declared username (default: $USER)")
	loginRC := fs.Bool("login-recurse-center", false, "authenticate via the cached Recurse Center OAuth token")
	address := fs.String("address", "", "relay address, host:port")
	useTLS := fs.Bool("tls", false, "connect over TLS")
	bufferSize := fs.String("buffer-size", "", "replay buffer size, e.g. 4mb")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadOrDefaultStreamConfig(*configPath)
	if err != nil {
		return err
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *useTLS {
		cfg.TLS.Enabled = true
	}
	if *bufferSize != "" {
		cfg.BufferSize = *bufferSize
		parsed, err := config.ParseByteSize(*bufferSize)
		if err != nil {
			return fmt.Errorf("stream: --buffer-size: %w", err)
		}
		cfg.BufferSizeRaw = parsed
	}

	auth, err := buildAuth(*loginPlain, *loginRC)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = tlsconf.NewClientConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("stream: tls: %w", err)
		}
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	command, cmdArgs := shellCommand(fs.Args())

	rows, cols := ptydriver.Size(ptydriver.StdinFd())
	termType := os.Getenv("TERM")
	if termType == "" {
		termType = "xterm-256color"
	}

	engineCfg := client.Config{
		Address:    cfg.Address,
		TLS:        cfg.TLS.Enabled,
		ServerName: cfg.TLS.ServerName,
		Auth:       auth,
		Size:       protocol.Size{Rows: rows, Cols: cols},
		TermType:   termType,
		Role:       client.RoleStreamer,
		Heartbeat:  cfg.Heartbeat,
	}
	if tlsConfig != nil {
		engineCfg.TLSConfig = tlsConfig
	}

	driver, err := ptydriver.Start(command, cmdArgs, os.Stdin)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	engine := client.NewEngine(engineCfg, logger)
	go engine.Run(ctx)

	buf := termbuf.NewBuffer(int(cfg.BufferSizeRaw))
	session := streamer.NewSession(driver, engine, os.Stdout, buf, logger)

	if err := session.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

// shellCommand splits the streamer's trailing CLI args into the child
// command and its own args, defaulting to $SHELL or /bin/bash.
func shellCommand(rest []string) (string, []string) {
	if len(rest) > 0 {
		return rest[0], rest[1:]
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, nil
	}
	return "/bin/bash", nil
}

func loadOrDefaultStreamConfig(path string) (*config.StreamConfig, error) {
	if path == "" {
		return config.DefaultStreamConfig(), nil
	}
	return config.LoadStreamConfig(path)
}

// buildAuth resolves the streamer's identity. Plain auth self-declares
// a username; the Recurse Center variant looks for a token already
// cached by a prior completed flow under $XDG_CACHE_HOME, since this
// build does not drive an interactive browser OAuth exchange.
func buildAuth(loginPlain string, loginRC bool) (protocol.Auth, error) {
	if loginRC {
		token, err := readCachedRCToken()
		if err != nil {
			return protocol.Auth{}, fmt.Errorf("--login-recurse-center: %w", err)
		}
		return protocol.RecurseCenterAuthToken(token), nil
	}

	username := loginPlain
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "anonymous"
	}
	return protocol.PlainAuth(username), nil
}

func readCachedRCToken() (string, error) {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving cache directory: %w", err)
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "anonymous"
	}
	tokenPath := filepath.Join(cacheHome, "teleterm", "oauth", "recurse-center", user)
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("no cached Recurse Center token at %s (interactive OAuth is out of scope for this build): %w", tokenPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}
