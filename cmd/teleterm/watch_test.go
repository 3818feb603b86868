// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"os"
	"testing"

	"github.com/nishisan-dev/teleterm/internal/protocol"
)

func swapStdin(r *os.File) func() {
	orig := os.Stdin
	os.Stdin = r
	return func() { os.Stdin = orig }
}

func TestLoadOrDefaultWatchConfigWithNoPath(t *testing.T) {
	cfg, err := loadOrDefaultWatchConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Address == "" {
		t.Error("expected a default address")
	}
}

func TestLoadOrDefaultWatchConfigMissingFile(t *testing.T) {
	_, err := loadOrDefaultWatchConfig("/nonexistent/watch.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func sessionsFixture() []protocol.Session {
	return []protocol.Session{
		{ID: "s1", Username: "alice", TermType: "xterm", Size: protocol.Size{Rows: 24, Cols: 80}, WatcherCount: 2},
		{ID: "s2", Username: "bob", TermType: "xterm", Size: protocol.Size{Rows: 40, Cols: 120}, WatcherCount: 0},
	}
}

func TestPromptForSessionRejectsOutOfRange(t *testing.T) {
	sessions := sessionsFixture()
	// promptForSession reads from os.Stdin; redirect it to a pipe we control.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	restore := swapStdin(r)
	defer restore()

	go func() {
		w.WriteString("9\n")
		w.Close()
	}()

	_, err = promptForSession(sessions)
	if err == nil {
		t.Fatal("expected error for out-of-range selection")
	}
}

func TestPromptForSessionAcceptsValidSelection(t *testing.T) {
	sessions := sessionsFixture()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	restore := swapStdin(r)
	defer restore()

	go func() {
		w.WriteString("2\n")
		w.Close()
	}()

	selected, err := promptForSession(sessions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.ID != "s2" {
		t.Errorf("expected s2, got %s", selected.ID)
	}
}
