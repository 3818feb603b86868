// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/teleterm/internal/protocol"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// startServer spins up a relay on an ephemeral port and returns its
// address plus a cancel func that shuts it down.
func startServer(t *testing.T, cfg Config) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()
	cfg.Listen = addr

	s := New(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// Wait for the listener to actually be bound before returning.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		<-done
	}
}

func dialAndLogin(t *testing.T, addr, username string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := protocol.Write(conn, protocol.Login(protocol.PlainAuth(username), protocol.Size{Rows: 24, Cols: 80}, "xterm")); err != nil {
		t.Fatalf("write login: %v", err)
	}
	return conn
}

func startCasting(t *testing.T, conn net.Conn) string {
	t.Helper()
	if err := protocol.Write(conn, protocol.StartCasting()); err != nil {
		t.Fatalf("write start casting: %v", err)
	}
	// The relay does not ack StartCasting explicitly; a Heartbeat round
	// trip confirms the server has processed it.
	if err := protocol.Write(conn, protocol.HeartbeatMsg()); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if echo, err := protocol.Read(conn); err != nil || echo.Tag != protocol.TagHeartbeat {
		t.Fatalf("want Heartbeat echo after StartCasting, got tag %v err %v", echo.Tag, err)
	}
	// A caster may not send ListSessions, so the session id is read from
	// a separate logged-in connection that has no role.
	lister := dialAndLogin(t, conn.RemoteAddr().String(), "lister")
	defer lister.Close()
	if err := protocol.Write(lister, protocol.ListSessionsMsg()); err != nil {
		t.Fatalf("write list sessions: %v", err)
	}
	msg, err := protocol.Read(lister)
	if err != nil {
		t.Fatalf("read sessions: %v", err)
	}
	if msg.Tag != protocol.TagSessions {
		t.Fatalf("want Sessions reply, got tag %v", msg.Tag)
	}
	for _, s := range msg.Sessions {
		if s.Username == "" {
			continue
		}
		return s.ID
	}
	t.Fatalf("caster's own session not present in ListSessions reply")
	return ""
}

func TestListSessionsOnlyReturnsCasters(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	defer caster.Close()
	casterID := startCasting(t, caster)
	if casterID == "" {
		t.Fatal("expected non-empty caster session id")
	}

	watcher := dialAndLogin(t, addr, "bob")
	defer watcher.Close()
	if err := protocol.Write(watcher, protocol.StartWatching(casterID)); err != nil {
		t.Fatalf("write start watching: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// A watcher may only send Heartbeat, so the directory is queried from
	// a separate logged-in connection that has no role.
	lister := dialAndLogin(t, addr, "carol")
	defer lister.Close()
	if err := protocol.Write(lister, protocol.ListSessionsMsg()); err != nil {
		t.Fatalf("write list sessions: %v", err)
	}
	msg, err := protocol.Read(lister)
	if err != nil {
		t.Fatalf("read sessions: %v", err)
	}
	if msg.Tag != protocol.TagSessions {
		t.Fatalf("want Sessions reply, got tag %v", msg.Tag)
	}
	for _, s := range msg.Sessions {
		if s.Username == "bob" {
			t.Fatalf("watcher must never appear in ListSessions: %+v", s)
		}
	}
}

func TestFanOutToMultipleWatchers(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	defer caster.Close()
	casterID := startCasting(t, caster)

	const numWatchers = 3
	watchers := make([]net.Conn, numWatchers)
	for i := range watchers {
		w := dialAndLogin(t, addr, "watcher")
		if err := protocol.Write(w, protocol.StartWatching(casterID)); err != nil {
			t.Fatalf("write start watching: %v", err)
		}
		watchers[i] = w
		defer w.Close()
	}

	// Give the relay time to register each watcher before the caster
	// emits output, so none race the fan-out.
	time.Sleep(100 * time.Millisecond)

	if err := protocol.Write(caster, protocol.TerminalOutputMsg([]byte("hello watchers"))); err != nil {
		t.Fatalf("write terminal output: %v", err)
	}

	for i, w := range watchers {
		msg, err := protocol.Read(w)
		if err != nil {
			t.Fatalf("watcher %d: read: %v", i, err)
		}
		if msg.Tag != protocol.TagTerminalOutput || string(msg.Data) != "hello watchers" {
			t.Fatalf("watcher %d: want terminal output %q, got tag %v data %q", i, "hello watchers", msg.Tag, msg.Data)
		}
	}
}

func TestLateJoiningWatcherIsPrimedWithBufferedOutput(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	defer caster.Close()
	casterID := startCasting(t, caster)

	if err := protocol.Write(caster, protocol.TerminalOutputMsg([]byte("already on screen"))); err != nil {
		t.Fatalf("write terminal output: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	watcher := dialAndLogin(t, addr, "bob")
	defer watcher.Close()
	if err := protocol.Write(watcher, protocol.StartWatching(casterID)); err != nil {
		t.Fatalf("write start watching: %v", err)
	}

	msg, err := protocol.Read(watcher)
	if err != nil {
		t.Fatalf("read priming message: %v", err)
	}
	if msg.Tag != protocol.TagTerminalOutput || string(msg.Data) != "already on screen" {
		t.Fatalf("want priming terminal output %q, got tag %v data %q", "already on screen", msg.Tag, msg.Data)
	}
}

func TestStartWatchingUnknownIDIsRejected(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	watcher := dialAndLogin(t, addr, "bob")
	defer watcher.Close()
	if err := protocol.Write(watcher, protocol.StartWatching("no-such-session")); err != nil {
		t.Fatalf("write start watching: %v", err)
	}

	msg, err := protocol.Read(watcher)
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if msg.Tag != protocol.TagError {
		t.Fatalf("want Error reply for invalid watch id, got tag %v", msg.Tag)
	}
}

func TestDisconnectPropagatesToWatchers(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	casterID := startCasting(t, caster)

	watcher := dialAndLogin(t, addr, "bob")
	defer watcher.Close()
	if err := protocol.Write(watcher, protocol.StartWatching(casterID)); err != nil {
		t.Fatalf("write start watching: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	caster.Close()

	msg, err := protocol.Read(watcher)
	if err != nil {
		t.Fatalf("read disconnect notice: %v", err)
	}
	if msg.Tag != protocol.TagDisconnected {
		t.Fatalf("want Disconnected notice propagated to watcher, got tag %v", msg.Tag)
	}
}

func TestOutboundBoundForceClosesSlowWatcher(t *testing.T) {
	addr, shutdown := startServer(t, Config{OutQueueBound: 1024})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	defer caster.Close()
	casterID := startCasting(t, caster)

	// A watcher that never reads forces its outq to grow past the
	// configured bound once the caster emits enough output.
	watcher, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer watcher.Close()
	if err := protocol.Write(watcher, protocol.Login(protocol.PlainAuth("bob"), protocol.Size{Rows: 24, Cols: 80}, "xterm")); err != nil {
		t.Fatalf("write login: %v", err)
	}
	if err := protocol.Write(watcher, protocol.StartWatching(casterID)); err != nil {
		t.Fatalf("write start watching: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	chunk := make([]byte, 512)
	for i := 0; i < 50; i++ {
		if err := protocol.Write(caster, protocol.TerminalOutputMsg(chunk)); err != nil {
			break
		}
	}

	watcher.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	sawEOFOrClose := false
	for i := 0; i < 200; i++ {
		if _, err := watcher.Read(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break // the deadline expired with the socket still open
			}
			sawEOFOrClose = true
			break
		}
	}
	if !sawEOFOrClose {
		t.Fatal("want relay to force-close a watcher whose outbound queue exceeds the bound")
	}
}

func TestHeartbeatIsEchoed(t *testing.T) {
	addr, shutdown := startServer(t, Config{})
	defer shutdown()

	caster := dialAndLogin(t, addr, "alice")
	defer caster.Close()
	startCasting(t, caster)

	if err := protocol.Write(caster, protocol.HeartbeatMsg()); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	msg, err := protocol.Read(caster)
	if err != nil {
		t.Fatalf("read heartbeat echo: %v", err)
	}
	if msg.Tag != protocol.TagHeartbeat {
		t.Fatalf("want Heartbeat echoed back, got tag %v", msg.Tag)
	}
}

func TestAuditDirCapturesBytesDroppedFromReplayBuffer(t *testing.T) {
	auditDir := t.TempDir()
	addr, shutdown := startServer(t, Config{BufferCapacity: 8, AuditDir: auditDir})

	caster := dialAndLogin(t, addr, "alice")
	casterID := startCasting(t, caster)

	if err := protocol.Write(caster, protocol.TerminalOutputMsg([]byte("0123456789"))); err != nil {
		t.Fatalf("write terminal output: %v", err)
	}
	// Round-trip a Heartbeat so we know the relay has processed the
	// TerminalOutput message before we disconnect.
	if err := protocol.Write(caster, protocol.HeartbeatMsg()); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if _, err := protocol.Read(caster); err != nil {
		t.Fatalf("read heartbeat echo: %v", err)
	}

	caster.Close()
	defer shutdown()

	path := filepath.Join(auditDir, casterID+".zst")
	var raw []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			raw = data
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if raw == nil {
		t.Fatalf("audit file %s was never written", path)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "01" {
		t.Fatalf("want dropped bytes %q, got %q", "01", got)
	}
}
