// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nishisan-dev/teleterm/internal/client"
	"github.com/nishisan-dev/teleterm/internal/config"
	"github.com/nishisan-dev/teleterm/internal/logging"
	ptydriver "github.com/nishisan-dev/teleterm/internal/pty"
	"github.com/nishisan-dev/teleterm/internal/protocol"
	"github.com/nishisan-dev/teleterm/internal/tlsconf"
)

// listTimeout bounds how long the watch subcommand waits for the
// relay's Sessions reply before giving up.
const listTimeout = 10 * time.Second

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional watch config file (flags win over file values)")
	username := fs.String("username", "", "watcher identity (default: $USER)")
	address := fs.String("address", "", "relay address, host:port")
	useTLS := fs.Bool("tls", false, "connect over TLS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadOrDefaultWatchConfig(*configPath)
	if err != nil {
		return err
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *useTLS {
		cfg.TLS.Enabled = true
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = tlsconf.NewClientConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("watch: tls: %w", err)
		}
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	rows, cols := ptydriver.Size(ptydriver.StdinFd())
	termType := os.Getenv("TERM")
	if termType == "" {
		termType = "xterm-256color"
	}

	base := client.Config{
		Address:    cfg.Address,
		TLS:        cfg.TLS.Enabled,
		TLSConfig:  tlsConfig,
		ServerName: cfg.TLS.ServerName,
		Auth:       protocol.PlainAuth(cfg.Username),
		Size:       protocol.Size{Rows: rows, Cols: cols},
		TermType:   termType,
		Heartbeat:  cfg.Heartbeat,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	sessions, err := chooseSession(base, logger)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no active sessions to watch")
		return nil
	}

	selected, err := promptForSession(sessions)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	return watchSession(base, selected, logger, sig)
}

func loadOrDefaultWatchConfig(path string) (*config.WatchConfig, error) {
	if path == "" {
		return config.DefaultWatchConfig(), nil
	}
	return config.LoadWatchConfig(path)
}

// chooseSession opens a short-lived RoleLister connection, waits for
// the relay's Sessions reply, then cancels the connection.
func chooseSession(base client.Config, logger *slog.Logger) ([]protocol.Session, error) {
	cfg := base
	cfg.Role = client.RoleLister

	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()

	engine := client.NewEngine(cfg, logger)
	go engine.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for session list")
		case ev, ok := <-engine.Events():
			if !ok {
				return nil, fmt.Errorf("connection closed before receiving session list")
			}
			if ev.Kind != client.EventServerMessage {
				continue
			}
			switch ev.Msg.Tag {
			case protocol.TagSessions:
				return ev.Msg.Sessions, nil
			case protocol.TagError:
				return nil, fmt.Errorf("relay: %s", ev.Msg.Msg)
			}
		}
	}
}

func promptForSession(sessions []protocol.Session) (protocol.Session, error) {
	fmt.Println("active sessions:")
	for i, s := range sessions {
		fmt.Printf("  [%d] %s (%s, %dx%d, idle %ds, %d watcher(s))\n",
			i+1, s.Username, s.TermType, s.Size.Cols, s.Size.Rows, s.IdleTimeS, s.WatcherCount)
	}
	fmt.Print("choose a session to watch: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return protocol.Session{}, fmt.Errorf("reading selection: %w", err)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 1 || idx > len(sessions) {
		return protocol.Session{}, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return sessions[idx-1], nil
}

// watchSession holds a RoleWatcher connection open, rendering every
// TerminalOutput chunk to stdout until the relay sends Disconnected
// (the caster left) or the process receives an interrupt signal.
// Raw-mode acquisition here is the watcher side of the scoped
// terminal-ownership design: the local terminal must not echo
// keystrokes or reflow escape sequences meant for the caster's shell.
func watchSession(base client.Config, target protocol.Session, logger *slog.Logger, sig chan os.Signal) error {
	cfg := base
	cfg.Role = client.RoleWatcher
	cfg.StreamID = target.ID

	rawMode, err := ptydriver.EnterRawMode(ptydriver.StdinFd())
	if err != nil {
		logger.Warn("watch: entering raw mode failed", "error", err)
	} else {
		defer rawMode.Restore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	engine := client.NewEngine(cfg, logger)
	go engine.Run(ctx)

	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	for ev := range engine.Events() {
		if ev.Kind != client.EventServerMessage {
			continue
		}
		switch ev.Msg.Tag {
		case protocol.TagTerminalOutput:
			stdout.Write(ev.Msg.Data)
			stdout.Flush()
		case protocol.TagDisconnected:
			fmt.Fprintln(os.Stderr, "\r\nsession ended")
			return nil
		case protocol.TagError:
			return fmt.Errorf("relay: %s", ev.Msg.Msg)
		}
	}
	return nil
}
