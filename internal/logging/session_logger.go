// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewConnectionLogger to write simultaneously to the
// relay's global handler and to a connection's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the connection's own log file must never
	// suppress the global log line.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewConnectionLogger builds a logger that records one relay
// connection's connect/login/role/disconnect events both on the
// relay's base logger and in a dedicated per-connection file under:
//
//	{connLogDir}/{connID}.log
//
// Returns the enriched logger, an io.Closer to close the connection's
// file (must be deferred), and the file's path. If connLogDir
// is empty, NewConnectionLogger is a no-op returning baseLogger as-is.
func NewConnectionLogger(baseLogger *slog.Logger, connLogDir, connID string) (*slog.Logger, io.Closer, string, error) {
	if connLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(connLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating connection log directory %s: %w", connLogDir, err)
	}

	logPath := filepath.Join(connLogDir, connID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: baseLogger.Handler(), secondary: fileHandler}

	return slog.New(combined), f, logPath, nil
}

// RemoveConnectionLog deletes a connection's log file after a clean
// disconnect. No-op if connLogDir is empty or the file doesn't exist.
func RemoveConnectionLog(connLogDir, connID string) {
	if connLogDir == "" {
		return
	}
	os.Remove(filepath.Join(connLogDir, connID+".log"))
}
