// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pty drives a child process under a pseudo-terminal and
// exposes its lifecycle (Start, Output, Exit) as a channel of events.
package pty

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// EventKind distinguishes the three event shapes a Driver emits.
type EventKind int

const (
	EventStart EventKind = iota
	EventOutput
	EventExit
)

// Event is one entry in the driver's lazy event sequence: exactly one
// Start first, zero or more Output, exactly one Exit last.
type Event struct {
	Kind   EventKind
	Data   []byte // EventOutput
	Status int    // EventExit
	Err    error  // fatal driver error, set on any kind
}

// readBufSize is the scratch buffer size for PTY-master reads.
const readBufSize = 32 * 1024

// Driver owns the child process handle and the PTY master file
// descriptor, and drives the child to completion concurrently with
// local stdin forwarding.
type Driver struct {
	cmd    *exec.Cmd
	master *os.File

	events chan Event
	stdin  chan []byte

	closed chan struct{}
}

// Start spawns cmd/args under a new PTY and begins driving it. The
// returned Driver's Events channel yields Start immediately, Output
// events as the child produces them, and a final Exit event.
// Start/Spawn/OpenPty failures are fatal and returned directly.
func Start(command string, args []string, stdin *os.File) (*Driver, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty: opening pty / spawning %s: %w", command, err)
	}

	d := &Driver{
		cmd:    cmd,
		master: master,
		events: make(chan Event, 64),
		stdin:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	d.events <- Event{Kind: EventStart}

	go d.readStdin(stdin)
	go d.drainStdinToMaster()
	go d.readMaster()
	go d.waitExit()

	return d, nil
}

// Events returns the driver's event channel. It is closed after the
// Exit event has been delivered.
func (d *Driver) Events() <-chan Event { return d.events }

// Write enqueues bytes to be written to the PTY master (local stdin →
// PTY). Safe to call concurrently with the driver's own goroutines.
func (d *Driver) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case d.stdin <- cp:
	case <-d.closed:
	}
}

// Resize issues TIOCSWINSZ on the PTY master. Must be called at least
// once after Start with the terminal's current size, and again on
// SIGWINCH.
func (d *Driver) Resize(rows, cols uint16) error {
	if err := pty.Setsize(d.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty: resize: %w", err)
	}
	return nil
}

// Close terminates the child and releases the PTY master. Safe to call
// more than once.
func (d *Driver) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	return d.master.Close()
}

func (d *Driver) readStdin(stdin *os.File) {
	if stdin == nil {
		return
	}
	buf := make([]byte, readBufSize)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err != nil {
			return
		}
		select {
		case <-d.closed:
			return
		default:
		}
	}
}

func (d *Driver) drainStdinToMaster() {
	for {
		select {
		case p := <-d.stdin:
			if _, err := d.master.Write(p); err != nil {
				d.fatal(fmt.Errorf("pty: writing to pty master: %w", err))
				return
			}
		case <-d.closed:
			return
		}
	}
}

// readMaster reads raw PTY output and transforms bare '\n' to '\r\n',
// since terminals in raw mode do not auto-CR.
func (d *Driver) readMaster() {
	buf := make([]byte, readBufSize)
	for {
		n, err := d.master.Read(buf)
		if n > 0 {
			out := crlf(buf[:n])
			select {
			case d.events <- Event{Kind: EventOutput, Data: out}:
			case <-d.closed:
				return
			}
		}
		if err != nil {
			// EOF/read error on the master means the child side
			// closed; the waitExit goroutine will deliver the final
			// Exit event, so this goroutine simply stops.
			return
		}
	}
}

func (d *Driver) waitExit() {
	err := d.cmd.Wait()
	status := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		} else {
			status = -1
		}
	}
	d.events <- Event{Kind: EventExit, Status: status}
	close(d.events)
	_ = d.Close()
}

func (d *Driver) fatal(err error) {
	select {
	case d.events <- Event{Kind: EventExit, Err: err}:
	default:
	}
	_ = d.Close()
}

func crlf(p []byte) []byte {
	if !bytes.Contains(p, []byte{'\n'}) {
		return p
	}
	var out bytes.Buffer
	out.Grow(len(p) + bytes.Count(p, []byte{'\n'}))
	for i := 0; i < len(p); i++ {
		if p[i] == '\n' && (i == 0 || p[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(p[i])
	}
	return out.Bytes()
}
