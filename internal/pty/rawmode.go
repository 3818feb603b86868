// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pty

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// RawMode is a scoped resource wrapping terminal raw-mode state. It is
// entered before a Driver's Start is observed externally and released
// on Exit, on drop (Restore being called explicitly), and on any fatal
// error path. If fd does not refer to a terminal, EnterRawMode is a
// no-op whose Restore is harmless.
type RawMode struct {
	fd       int
	oldState *term.State
}

// EnterRawMode puts fd into raw mode, if it is a terminal.
func EnterRawMode(fd int) (*RawMode, error) {
	if !term.IsTerminal(fd) {
		return &RawMode{fd: fd}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("pty: entering raw mode: %w", err)
	}
	return &RawMode{fd: fd, oldState: old}, nil
}

// Restore releases raw mode, returning the terminal to its prior state.
// Safe to call more than once.
func (r *RawMode) Restore() error {
	if r == nil || r.oldState == nil {
		return nil
	}
	old := r.oldState
	r.oldState = nil
	return term.Restore(r.fd, old)
}

// Size reads the current terminal size for fd. Non-terminal fds (e.g.
// piped stdin in tests) fall back to a conservative default.
func Size(fd int) (rows, cols uint16) {
	if !term.IsTerminal(fd) {
		return 24, 80
	}
	w, h, err := term.GetSize(fd)
	if err != nil {
		return 24, 80
	}
	return uint16(h), uint16(w)
}

// StdinFd is a convenience wrapper around os.Stdin.Fd() typed the way
// golang.org/x/term expects it.
func StdinFd() int { return int(os.Stdin.Fd()) }
