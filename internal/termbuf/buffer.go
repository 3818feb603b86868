// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package termbuf implements the bounded replay buffer that the relay
// keeps per streamer so a late-joining watcher can be primed with a
// coherent view of the screen.
package termbuf

import (
	"io"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultCapacity is the replay buffer size used when none is
// configured, matching the streamer client's --buffer-size default.
const DefaultCapacity = 4 * 1024 * 1024

// Buffer is a bounded byte log. Append never blocks and never returns
// an error; when the incoming bytes would push the window past its
// capacity, the oldest bytes are dropped first.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	data     []byte

	// audit, if set, receives every byte dropped from the front,
	// zstd-compressed, before it is discarded. Optional.
	audit  *auditSink
	logger *slog.Logger
}

// NewBuffer creates a Buffer with the given capacity in bytes. A
// non-positive capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, data: make([]byte, 0, capacity)}
}

// WithAudit attaches a writer that receives a zstd-compressed copy of
// every byte dropped from the front of the window, for off-heap
// long-session audit trails. It is safe to call at most once, before
// the buffer is used concurrently.
func (b *Buffer) WithAudit(w io.Writer, logger *slog.Logger) *Buffer {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		if logger != nil {
			logger.Warn("termbuf: disabling audit sink, zstd writer failed", "error", err)
		}
		return b
	}
	b.audit = &auditSink{enc: enc}
	b.logger = logger
	return b
}

// Close releases the audit sink, if any, flushing its trailer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.audit == nil {
		return nil
	}
	return b.audit.enc.Close()
}

// Append adds bytes to the window. If the resulting length would
// exceed capacity, bytes are dropped from the front first. Returns the
// number of bytes dropped, so holders of absolute byte offsets (the
// streamer session's sent_local/sent_remote counters) can adjust.
func (b *Buffer) Append(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	total := len(b.data) + len(chunk)
	if total > b.capacity {
		dropped = total - b.capacity
		if dropped > len(b.data) {
			// The incoming chunk alone exceeds capacity; drop all of
			// the existing window plus the head of the chunk.
			overflow := dropped - len(b.data)
			b.auditDrop(b.data)
			b.auditDrop(chunk[:overflow])
			b.data = b.data[:0]
			chunk = chunk[overflow:]
		} else {
			b.auditDrop(b.data[:dropped])
			b.data = append(b.data[:0], b.data[dropped:]...)
		}
	}

	b.data = append(b.data, chunk...)
	return dropped
}

func (b *Buffer) auditDrop(dropped []byte) {
	if b.audit == nil || len(dropped) == 0 {
		return
	}
	if _, err := b.audit.enc.Write(dropped); err != nil && b.logger != nil {
		b.logger.Warn("termbuf: audit sink write failed", "error", err)
	}
}

// Contents returns the current window. The returned slice is a copy
// and safe to retain across calls.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current window length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

type auditSink struct {
	enc *zstd.Encoder
}
