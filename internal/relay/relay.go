// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/teleterm/internal/logging"
	"github.com/nishisan-dev/teleterm/internal/protocol"
	"github.com/nishisan-dev/teleterm/internal/termbuf"
)

// DefaultOutQueueBound is the per-connection outbound byte bound past
// which a slow peer is force-closed with an Error message.
const DefaultOutQueueBound = 64 * 1024 * 1024

const (
	acceptErrorBackoffUnit = 100 * time.Millisecond
	acceptErrorBackoffMax  = 5 * time.Second
	idleReapSchedule       = "@every 1m"
	outqDepth              = 256
	messageOverheadBytes   = 32
)

// Config parameterises one relay Server.
type Config struct {
	Listen    string
	TLSConfig *tls.Config // nil disables TLS

	BufferCapacity int   // per-caster replay buffer size; 0 -> termbuf.DefaultCapacity
	OutQueueBound  int64 // per-connection backpressure bound; 0 -> DefaultOutQueueBound

	IdleTimeout time.Duration // 0 disables the idle-caster reaper

	MetricsListen     string // "" disables the metrics HTTP endpoint
	MetricsAllowCIDRs []*net.IPNet

	ConnLogDir string // "" disables per-connection log files
	AuditDir   string // "" disables the replay-buffer audit trail
}

type connType int

const (
	connNone connType = iota
	connCasting
	connWatching
)

// connection is one accepted socket's server-side state. Its id is
// minted at accept time (so every connection, caster or watcher, has a
// stable log-correlation id) and doubles as the Session.id exposed via
// ListSessions/StartWatching once the connection becomes a caster.
type connection struct {
	id   string
	conn net.Conn

	loggedIn bool
	username string
	termType string
	size     protocol.Size

	typ        connType
	watchingID string
	buf        *termbuf.Buffer // set only when typ == connCasting

	outq      chan protocol.Message
	outBytes  atomic.Int64
	limiter   *rate.Limiter
	auditFile *os.File // set only when cfg.AuditDir is configured and typ == connCasting

	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
	abnormal  atomic.Bool
}

func newConnection(raw net.Conn) *connection {
	c := &connection{
		id:      uuid.New().String(),
		conn:    raw,
		outq:    make(chan protocol.Message, outqDepth),
		limiter: rate.NewLimiter(rate.Limit(1000), 1000),
		closed:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *connection) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Server is the relay's connection multiplexer.
type Server struct {
	cfg    Config
	logger *slog.Logger

	conns sync.Map // string id -> *connection

	reaper *cron.Cron
}

// New creates a Server from cfg, applying defaults for unset bounds.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = termbuf.DefaultCapacity
	}
	if cfg.OutQueueBound <= 0 {
		cfg.OutQueueBound = DefaultOutQueueBound
	}
	return &Server{cfg: cfg, logger: logger.With("component", "relay")}
}

// Run accepts connections on cfg.Listen and blocks until ctx is
// cancelled. Each connection runs its own read loop and write loop,
// joined by the connection's outbound message channel — one goroutine
// pair per socket, matching the teacher's accept-loop idiom.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("relay: listening on %s: %w", s.cfg.Listen, err)
	}
	defer ln.Close()

	s.logger.Info("relay listening", "address", s.cfg.Listen, "tls", s.cfg.TLSConfig != nil)

	if s.cfg.IdleTimeout > 0 {
		s.reaper = cron.New()
		if _, err := s.reaper.AddFunc(idleReapSchedule, s.reapIdleCasters); err != nil {
			return fmt.Errorf("relay: scheduling idle reaper: %w", err)
		}
		s.reaper.Start()
		defer s.reaper.Stop()
	}

	if s.cfg.MetricsListen != "" {
		go s.serveMetrics(ctx)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("relay shutting down")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("relay shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("relay accept error", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * acceptErrorBackoffUnit
					if delay > acceptErrorBackoffMax {
						delay = acceptErrorBackoffMax
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.handleConnection(conn)
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.TLSConfig != nil {
		return tls.Listen("tcp", s.cfg.Listen, s.cfg.TLSConfig)
	}
	return net.Listen("tcp", s.cfg.Listen)
}

func (s *Server) handleConnection(raw net.Conn) {
	c := newConnection(raw)
	s.conns.Store(c.id, c)

	logger, logCloser, _, err := logging.NewConnectionLogger(s.logger, s.cfg.ConnLogDir, c.id)
	if err != nil {
		s.logger.Warn("opening per-connection log failed", "conn", c.id, "error", err)
		logger, logCloser = s.logger, noopCloser{}
	}
	logger = logger.With("conn", c.id, "remote", raw.RemoteAddr().String())
	logger.Info("connection accepted")

	done := make(chan struct{})
	go s.writeLoop(c, logger, done)

	s.readLoop(c, logger)

	c.closeOnce.Do(func() { close(c.closed) })
	<-done

	s.conns.Delete(c.id)
	raw.Close()
	s.propagateDisconnect(c)
	if c.buf != nil {
		if err := c.buf.Close(); err != nil {
			logger.Warn("flushing audit sink failed", "conn", c.id, "error", err)
		}
	}
	if c.auditFile != nil {
		c.auditFile.Close()
	}
	logger.Info("connection closed", "abnormal", c.abnormal.Load())

	logCloser.Close()
	if !c.abnormal.Load() {
		logging.RemoveConnectionLog(s.cfg.ConnLogDir, c.id)
	}
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func (s *Server) readLoop(c *connection, logger *slog.Logger) {
	for {
		msg, err := protocol.Read(c.conn)
		if err != nil {
			if !errors.Is(err, protocol.ErrEOF) {
				logger.Warn("relay read failed", "error", err)
				c.abnormal.Store(true)
			}
			s.closeWithMessage(c, protocol.DisconnectedMsg())
			return
		}
		c.touch()
		if err := s.handleMessage(c, msg, logger); err != nil {
			logger.Warn("relay message error", "error", err)
			s.closeWithMessage(c, protocol.ErrorMsg(err.Error()))
			return
		}
	}
}

func (s *Server) writeLoop(c *connection, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outq:
			size := approxSize(msg)
			if err := protocol.Write(c.conn, msg); err != nil {
				logger.Warn("relay write failed", "error", err)
				c.outBytes.Add(-int64(size))
				c.closeOnce.Do(func() { close(c.closed) })
				return
			}
			c.outBytes.Add(-int64(size))
		}
	}
}

// handleMessage dispatches by login state then by role, mirroring
// handle_message/handle_login_message/handle_cast_message/
// handle_watch_message/handle_other_message.
func (s *Server) handleMessage(c *connection, msg protocol.Message, logger *slog.Logger) error {
	if !c.loggedIn {
		return s.handleLogin(c, msg, logger)
	}
	switch c.typ {
	case connCasting:
		return s.handleCastMessage(c, msg)
	case connWatching:
		return s.handleWatchMessage(c, msg)
	default:
		return s.handleOtherMessage(c, msg, logger)
	}
}

func (s *Server) handleLogin(c *connection, msg protocol.Message, logger *slog.Logger) error {
	if msg.Tag != protocol.TagLogin {
		return fmt.Errorf("unauthenticated message tag %v", msg.Tag)
	}
	if msg.ProtoVersion != protocol.ProtocolVersion {
		s.sendMessage(c, protocol.ErrorMsg("proto version mismatch"))
		return fmt.Errorf("proto version mismatch: got %d want %d", msg.ProtoVersion, protocol.ProtocolVersion)
	}

	// Authentication is self-declared: there is no credential store to
	// verify against for either Plain or Recurse Center auth. Plain auth
	// names the connection's identity; Recurse Center auth carries no
	// username, so such a connection is logged in as "anonymous".
	username := msg.Auth.Username
	if username == "" {
		username = "anonymous"
	}
	c.username = username
	c.termType = msg.TermType
	c.size = msg.Size
	c.loggedIn = true
	logger.Info("login", "username", c.username, "term_type", c.termType)
	return nil
}

func (s *Server) handleCastMessage(c *connection, msg protocol.Message) error {
	switch msg.Tag {
	case protocol.TagHeartbeat:
		s.sendMessage(c, protocol.HeartbeatMsg())
		return nil
	case protocol.TagTerminalOutput:
		c.buf.Append(msg.Data)
		s.fanOut(c.id, msg.Data)
		return nil
	case protocol.TagResize:
		c.size = msg.Size
		return nil
	default:
		return fmt.Errorf("unexpected message tag %v from caster", msg.Tag)
	}
}

func (s *Server) handleWatchMessage(c *connection, msg protocol.Message) error {
	switch msg.Tag {
	case protocol.TagHeartbeat:
		s.sendMessage(c, protocol.HeartbeatMsg())
		return nil
	default:
		return fmt.Errorf("unexpected message tag %v from watcher", msg.Tag)
	}
}

func (s *Server) handleOtherMessage(c *connection, msg protocol.Message, logger *slog.Logger) error {
	switch msg.Tag {
	case protocol.TagListSessions:
		s.sendMessage(c, protocol.SessionsMsg(s.listCasterSessions()))
		return nil

	case protocol.TagStartCasting:
		c.typ = connCasting
		c.buf = termbuf.NewBuffer(s.cfg.BufferCapacity)
		if s.cfg.AuditDir != "" {
			path := filepath.Join(s.cfg.AuditDir, c.id+".zst")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				logger.Warn("opening audit file failed", "session", c.id, "error", err)
			} else {
				c.auditFile = f
				c.buf.WithAudit(f, logger)
			}
		}
		logger.Info("started casting", "session", c.id)
		return nil

	case protocol.TagStartWatching:
		target, ok := s.lookupCaster(msg.StreamID)
		if !ok {
			return fmt.Errorf("invalid watch id %q", msg.StreamID)
		}
		c.typ = connWatching
		c.watchingID = msg.StreamID
		if contents := target.buf.Contents(); len(contents) > 0 {
			s.sendMessage(c, protocol.TerminalOutputMsg(contents))
		}
		logger.Info("started watching", "stream", msg.StreamID)
		return nil

	default:
		return fmt.Errorf("unexpected message tag %v", msg.Tag)
	}
}

// fanOut delivers data to every connection currently watching
// casterID.
func (s *Server) fanOut(casterID string, data []byte) {
	s.conns.Range(func(_, v any) bool {
		wc := v.(*connection)
		if wc.typ == connWatching && wc.watchingID == casterID {
			s.sendMessage(wc, protocol.TerminalOutputMsg(data))
		}
		return true
	})
}

func (s *Server) propagateDisconnect(c *connection) {
	if c.typ != connCasting {
		return
	}
	s.conns.Range(func(_, v any) bool {
		wc := v.(*connection)
		if wc.typ == connWatching && wc.watchingID == c.id {
			s.sendMessage(wc, protocol.DisconnectedMsg())
		}
		return true
	})
}

func (s *Server) lookupCaster(id string) (*connection, bool) {
	v, ok := s.conns.Load(id)
	if !ok {
		return nil, false
	}
	c := v.(*connection)
	if c.typ != connCasting {
		return nil, false
	}
	return c, true
}

func (s *Server) listCasterSessions() []protocol.Session {
	var sessions []protocol.Session
	s.conns.Range(func(_, v any) bool {
		c := v.(*connection)
		if c.typ == connCasting && c.loggedIn {
			sessions = append(sessions, protocol.Session{
				ID:           c.id,
				Username:     c.username,
				TermType:     c.termType,
				Size:         c.size,
				IdleTimeS:    uint32(time.Since(c.idleSince()).Seconds()),
				Title:        c.username,
				WatcherCount: uint32(s.countWatchers(c.id)),
			})
		}
		return true
	})
	return sessions
}

func (s *Server) countWatchers(casterID string) int {
	n := 0
	s.conns.Range(func(_, v any) bool {
		wc := v.(*connection)
		if wc.typ == connWatching && wc.watchingID == casterID {
			n++
		}
		return true
	})
	return n
}

func (s *Server) reapIdleCasters() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	s.conns.Range(func(_, v any) bool {
		c := v.(*connection)
		if c.typ == connCasting && c.idleSince().Before(cutoff) {
			s.logger.Info("reaping idle caster", "session", c.id)
			s.closeWithMessage(c, protocol.ErrorMsg("idle session timeout"))
			c.conn.Close()
		}
		return true
	})
}

// sendMessage enqueues msg for async delivery, honoring the
// per-connection outbound byte bound: a connection whose queue grows
// past OutQueueBound is force-closed with an Error rather than let
// memory grow unbounded behind a slow reader.
func (s *Server) sendMessage(c *connection, msg protocol.Message) {
	c.limiter.Allow() // result ignored: the limiter neither delays nor drops a message

	size := approxSize(msg)
	if c.outBytes.Add(int64(size)) > s.cfg.OutQueueBound {
		c.outBytes.Add(-int64(size))
		s.closeWithMessage(c, protocol.ErrorMsg(fmt.Sprintf("outbound queue exceeded %d bytes", s.cfg.OutQueueBound)))
		return
	}

	select {
	case c.outq <- msg:
	case <-c.closed:
		c.outBytes.Add(-int64(size))
	default:
		c.outBytes.Add(-int64(size))
		s.closeWithMessage(c, protocol.ErrorMsg("outbound queue full"))
	}
}

// closeWithMessage writes msg directly to the connection's socket
// (bypassing the outbound queue, which may itself be the problem),
// marks the connection closed and closes the socket. Safe to call more
// than once.
func (s *Server) closeWithMessage(c *connection, msg protocol.Message) {
	if msg.Tag == protocol.TagError {
		c.abnormal.Store(true)
	}
	c.closeOnce.Do(func() {
		_ = protocol.Write(c.conn, msg)
		close(c.closed)
		_ = c.conn.Close()
	})
}

func approxSize(msg protocol.Message) int {
	return len(msg.Data) + len(msg.Msg) + len(msg.StreamID) + messageOverheadBytes
}

// serveMetrics runs the optional, ACL-gated HTTP endpoint exposing
// session counts and host resource stats, until ctx is cancelled.
func (s *Server) serveMetrics(ctx context.Context) {
	acl := NewACL(s.cfg.MetricsAllowCIDRs)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", s.handleStats)

	srv := &http.Server{
		Addr:              s.cfg.MetricsListen,
		Handler:           acl.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("relay metrics listening", "address", s.cfg.MetricsListen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("relay metrics server error", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sessions, watchers := 0, 0
	s.conns.Range(func(_, v any) bool {
		switch v.(*connection).typ {
		case connCasting:
			sessions++
		case connWatching:
			watchers++
		}
		return true
	})

	fmt.Fprintf(w, "teleterm_sessions %d\n", sessions)
	fmt.Fprintf(w, "teleterm_watchers %d\n", watchers)

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fmt.Fprintf(w, "teleterm_host_cpu_percent %.2f\n", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		fmt.Fprintf(w, "teleterm_host_mem_percent %.2f\n", vm.UsedPercent)
	}
}
