// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implements the engine that drives a persistent,
// reconnecting connection to a relay: TCP (optionally TLS) connect,
// login handshake, heartbeat, and an inbound event sequence.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/teleterm/internal/protocol"
)

// State names the engine's position in its connection state machine.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDone         State = "done"
)

// Role parameterises the engine's handshake: what it asks the relay
// for immediately after Login.
type Role int

const (
	RoleStreamer Role = iota
	RoleWatcher
	RoleLister
)

// EventKind distinguishes the engine's public event sequence.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventStart
	EventResize
	EventServerMessage
)

// Event is one entry in the engine's lazy inbound sequence.
type Event struct {
	Kind EventKind
	Size protocol.Size
	Msg  protocol.Message
}

const (
	connectTimeout    = 30 * time.Second
	defaultHeartbeat  = 30 * time.Second
	maxReconnectDelay = 30 * time.Second
	baseReconnectStep = 500 * time.Millisecond
)

// Config parameterises one Engine instance.
type Config struct {
	Address    string
	TLS        bool
	TLSConfig  *tls.Config // optional; a default TLS 1.3 config is used if nil
	ServerName string      // SNI / verification name override

	Auth     protocol.Auth
	Size     protocol.Size
	TermType string

	Role     Role
	StreamID string // for RoleWatcher

	Heartbeat time.Duration // defaults to 30s
}

// Engine is a persistent, reconnecting connection to a relay,
// parameterised by role at construction (streamer, watcher, or
// directory lister).
type Engine struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Value // State

	sizeMu sync.Mutex
	size   protocol.Size

	conn   net.Conn
	connMu sync.Mutex

	writeMu sync.Mutex

	outq   chan protocol.Message
	events chan Event

	sigMu        sync.Mutex
	reconnectSig chan struct{}
}

// NewEngine creates an Engine ready for Run.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "client_engine"),
		size:   cfg.Size,
		outq:   make(chan protocol.Message, 64),
		events: make(chan Event, 64),
	}
	e.state.Store(StateIdle)
	return e
}

// Events returns the engine's event channel. It is closed once Run
// returns (the owner dropped the engine).
func (e *Engine) Events() <-chan Event { return e.events }

// State returns the engine's current state.
func (e *Engine) State() State { return e.state.Load().(State) }

// SendMessage enqueues msg for delivery. Delivery is best-effort
// across reconnects: messages queued while Reconnecting are discarded
// at Disconnect time rather than replayed.
func (e *Engine) SendMessage(msg protocol.Message) {
	select {
	case e.outq <- msg:
	default:
		e.logger.Warn("client engine outbound queue full, dropping message", "tag", msg.Tag)
	}
}

// Resize updates the engine's negotiated terminal size, forwards a
// Resize message to the relay if connected, and emits a local
// EventResize so the owning session can resize its own PTY to match.
func (e *Engine) Resize(size protocol.Size) {
	e.sizeMu.Lock()
	e.size = size
	e.sizeMu.Unlock()

	if e.State() == StateConnected {
		e.SendMessage(protocol.ResizeMsg(size))
	}
	e.emit(Event{Kind: EventResize, Size: size})
}

// Reconnect forces a transition from Connected to Reconnecting.
func (e *Engine) Reconnect() {
	e.sigMu.Lock()
	ch := e.reconnectSig
	e.sigMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Engine) currentSize() protocol.Size {
	e.sizeMu.Lock()
	defer e.sizeMu.Unlock()
	return e.size
}

// Run drives the engine's connect/handshake/connected/reconnect loop
// until ctx is cancelled, at which point the engine transitions to
// Done and its event channel is closed.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		e.state.Store(StateDone)
		close(e.events)
	}()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.state.Store(StateConnecting)
		conn, err := e.connect(ctx)
		if err != nil {
			e.logger.Warn("client engine connect failed", "error", err, "attempt", attempts)
			if !e.sleepBackoff(ctx, attempts) {
				return
			}
			attempts++
			continue
		}

		e.state.Store(StateHandshaking)
		if err := e.handshake(conn); err != nil {
			e.logger.Warn("client engine handshake failed", "error", err)
			conn.Close()
			if !e.sleepBackoff(ctx, attempts) {
				return
			}
			attempts++
			continue
		}

		attempts = 0
		e.connMu.Lock()
		e.conn = conn
		e.connMu.Unlock()
		e.state.Store(StateConnected)

		e.emit(Event{Kind: EventConnect})
		e.emit(Event{Kind: EventStart, Size: e.currentSize()})

		e.runConnected(ctx, conn)

		e.connMu.Lock()
		e.conn = nil
		e.connMu.Unlock()
		conn.Close()

		e.emit(Event{Kind: EventDisconnect})
		e.state.Store(StateReconnecting)
		e.drainOutQueue()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Engine) sleepBackoff(ctx context.Context, attempts int) bool {
	delay := backoffDelay(attempts)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// backoffDelay computes min(30s, 0.5s*2^attempts) with +/-25% jitter.
func backoffDelay(attempts int) time.Duration {
	base := float64(baseReconnectStep) * math.Pow(2, float64(attempts))
	if base > float64(maxReconnectDelay) {
		base = float64(maxReconnectDelay)
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func (e *Engine) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", e.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client engine: dial %s: %w", e.cfg.Address, err)
	}
	if !e.cfg.TLS {
		return rawConn, nil
	}

	serverName := e.cfg.ServerName
	if serverName == "" {
		if host, _, splitErr := net.SplitHostPort(e.cfg.Address); splitErr == nil {
			serverName = host
		} else {
			serverName = e.cfg.Address
		}
	}

	base := e.cfg.TLSConfig
	if base == nil {
		base = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	tlsCfg := base.Clone()
	tlsCfg.ServerName = serverName

	tlsConn := tls.Client(rawConn, tlsCfg)
	hsCtx, hsCancel := context.WithTimeout(ctx, connectTimeout)
	defer hsCancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("client engine: tls handshake: %w", err)
	}
	return tlsConn, nil
}

// handshake sends Login immediately followed by the role-appropriate
// follow-up message, per spec.md's Connecting -> Handshaking
// transition.
func (e *Engine) handshake(conn net.Conn) error {
	login := protocol.Login(e.cfg.Auth, e.currentSize(), e.cfg.TermType)
	if err := e.writeMessage(conn, login); err != nil {
		return err
	}

	switch e.cfg.Role {
	case RoleStreamer:
		return e.writeMessage(conn, protocol.StartCasting())
	case RoleWatcher:
		return e.writeMessage(conn, protocol.StartWatching(e.cfg.StreamID))
	case RoleLister:
		return e.writeMessage(conn, protocol.ListSessionsMsg())
	default:
		return fmt.Errorf("client engine: unknown role %d", e.cfg.Role)
	}
}

// SendAuthToken sends a second Login carrying a Recurse Center token,
// for the OAuth variant where the first Login starts the flow and the
// server-issued token arrives out of band (browser redirect).
func (e *Engine) SendAuthToken(token string) {
	e.SendMessage(protocol.Login(protocol.RecurseCenterAuthToken(token), e.currentSize(), e.cfg.TermType))
}

func (e *Engine) writeMessage(conn net.Conn, msg protocol.Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return protocol.Write(conn, msg)
}

// runConnected drives one established connection: a reader goroutine
// dispatching inbound frames as ServerMessage events (heartbeats are
// swallowed as liveness signals, not forwarded), and a writer goroutine
// draining the outbound queue and emitting periodic heartbeats, joined
// by a done channel exactly as the teacher's pingLoop joins its reader
// and writer goroutines.
func (e *Engine) runConnected(ctx context.Context, conn net.Conn) {
	e.sigMu.Lock()
	e.reconnectSig = make(chan struct{}, 1)
	sig := e.reconnectSig
	e.sigMu.Unlock()

	done := make(chan struct{})
	var doneOnce sync.Once
	signalDone := func() { doneOnce.Do(func() { close(done) }) }

	lastRecv := make(chan time.Time, 1)
	lastRecv <- time.Now()
	touch := func() {
		select {
		case <-lastRecv:
		default:
		}
		lastRecv <- time.Now()
	}
	sinceLastRecv := func() time.Duration {
		t := <-lastRecv
		lastRecv <- t
		return time.Since(t)
	}

	go func() {
		defer signalDone()
		for {
			msg, err := protocol.Read(conn)
			if err != nil {
				e.logger.Warn("client engine read failed", "error", err)
				return
			}
			touch()
			if msg.Tag == protocol.TagHeartbeat {
				continue
			}
			e.emit(Event{Kind: EventServerMessage, Msg: msg})
		}
	}()

	go func() {
		defer signalDone()
		ticker := time.NewTicker(e.cfg.Heartbeat)
		defer ticker.Stop()
		liveness := 3 * e.cfg.Heartbeat

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-sig:
				e.logger.Info("client engine reconnect requested")
				return
			case m := <-e.outq:
				if err := e.writeMessage(conn, m); err != nil {
					e.logger.Warn("client engine write failed", "error", err)
					return
				}
			case <-ticker.C:
				if err := e.writeMessage(conn, protocol.HeartbeatMsg()); err != nil {
					e.logger.Warn("client engine heartbeat write failed", "error", err)
					return
				}
				if sinceLastRecv() > liveness {
					e.logger.Warn("client engine liveness timeout, reconnecting", "liveness", liveness)
					return
				}
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-sig:
	}
}

func (e *Engine) drainOutQueue() {
	for {
		select {
		case <-e.outq:
		default:
			return
		}
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("client engine event channel full, dropping event", "kind", ev.Kind)
	}
}
