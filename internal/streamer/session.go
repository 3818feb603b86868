// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamer composes a PTY driver, a client engine, and a
// replay buffer into the streamer's session loop: the local terminal
// and the relay both drain from the same buffer, driven independently,
// so the child process may exit while buffered bytes are still being
// delivered to the relay.
package streamer

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/nishisan-dev/teleterm/internal/client"
	"github.com/nishisan-dev/teleterm/internal/protocol"
	ptydriver "github.com/nishisan-dev/teleterm/internal/pty"
	"github.com/nishisan-dev/teleterm/internal/termbuf"
)

// Session composes one PTY driver, one client engine (role Streamer),
// one local stdout writer, and one replay buffer.
type Session struct {
	driver *ptydriver.Driver
	engine *client.Engine
	stdout *bufio.Writer
	buf    *termbuf.Buffer
	logger *slog.Logger

	rawMode *ptydriver.RawMode

	// sentLocal and sentRemote name how many bytes from the head of
	// the current buffer window have already been delivered to the
	// local terminal / to the relay. Both are saturatingly decreased
	// when the buffer drops bytes from the front.
	sentLocal  int
	sentRemote int

	connected  bool
	ptyDone    bool
	needsFlush bool
}

// NewSession wires a Session from its three collaborators.
func NewSession(driver *ptydriver.Driver, engine *client.Engine, stdout io.Writer, buf *termbuf.Buffer, logger *slog.Logger) *Session {
	return &Session{
		driver: driver,
		engine: engine,
		stdout: bufio.NewWriter(stdout),
		buf:    buf,
		logger: logger.With("component", "streamer_session"),
	}
}

// Run drives the session to completion: the five sub-operations of
// spec.md's streamer session design, polled round-robin until the
// child has exited and every buffered byte has been handed to the
// client engine (the flush-before-exit property). Returns when that
// condition is reached or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ptyEvents := s.driver.Events()
	engineEvents := s.engine.Events()

	for {
		select {
		case <-ctx.Done():
			s.restoreRawMode()
			return ctx.Err()

		case ev, ok := <-ptyEvents:
			if !ok {
				ptyEvents = nil
			} else {
				s.handlePTYEvent(ev)
			}

		case ev, ok := <-engineEvents:
			if !ok {
				engineEvents = nil
			} else {
				s.handleEngineEvent(ev)
			}
		}

		s.writeToTerminal()
		s.flushTerminal()
		s.writeToServer()

		if s.ptyDone && s.sentRemote == s.buf.Len() {
			s.restoreRawMode()
			return nil
		}
	}
}

func (s *Session) handlePTYEvent(ev ptydriver.Event) {
	switch ev.Kind {
	case ptydriver.EventStart:
		rm, err := ptydriver.EnterRawMode(ptydriver.StdinFd())
		if err != nil {
			s.logger.Warn("streamer session: entering raw mode failed", "error", err)
		} else {
			s.rawMode = rm
		}
		rows, cols := ptydriver.Size(ptydriver.StdinFd())
		if err := s.driver.Resize(rows, cols); err != nil {
			s.logger.Warn("streamer session: initial resize failed", "error", err)
		}

	case ptydriver.EventOutput:
		dropped := s.buf.Append(ev.Data)
		s.sentLocal = satSub(s.sentLocal, dropped)
		s.sentRemote = satSub(s.sentRemote, dropped)

	case ptydriver.EventExit:
		s.ptyDone = true
		s.restoreRawMode()
	}
}

func (s *Session) handleEngineEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventDisconnect:
		s.connected = false

	case client.EventConnect:
		s.connected = true
		s.sentRemote = 0 // resend everything still in the buffer after reconnect

	case client.EventStart, client.EventResize:
		if err := s.driver.Resize(ev.Size.Rows, ev.Size.Cols); err != nil {
			s.logger.Warn("streamer session: resize failed", "error", err)
		}

	case client.EventServerMessage:
		// Any server message is unexpected while streaming; force a
		// reconnect rather than silently ignoring protocol drift.
		s.logger.Warn("streamer session: unexpected server message while streaming", "tag", ev.Msg.Tag)
		s.engine.Reconnect()
	}
}

func (s *Session) writeToTerminal() {
	if s.sentLocal >= s.buf.Len() {
		return
	}
	contents := s.buf.Contents()
	chunk := contents[s.sentLocal:]
	n, err := s.stdout.Write(chunk)
	s.sentLocal += n
	if err != nil {
		s.logger.Warn("streamer session: writing to local terminal failed", "error", err)
	}
	s.needsFlush = true
}

func (s *Session) flushTerminal() {
	if !s.needsFlush {
		return
	}
	if err := s.stdout.Flush(); err != nil {
		s.logger.Warn("streamer session: flushing local terminal failed", "error", err)
		return
	}
	s.needsFlush = false
}

func (s *Session) writeToServer() {
	if !s.connected || s.sentRemote >= s.buf.Len() {
		return
	}
	contents := s.buf.Contents()
	chunk := contents[s.sentRemote:]
	s.engine.SendMessage(protocol.TerminalOutputMsg(chunk))
	s.sentRemote = s.buf.Len()
}

func (s *Session) restoreRawMode() {
	if s.rawMode == nil {
		return
	}
	if err := s.rawMode.Restore(); err != nil {
		s.logger.Warn("streamer session: restoring terminal mode failed", "error", err)
	}
	s.rawMode = nil
}

func satSub(v, d int) int {
	v -= d
	if v < 0 {
		return 0
	}
	return v
}
