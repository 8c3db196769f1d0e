// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"log/slog"
	"sync/atomic"

	"github.com/Thermoquad/iolabstat/pkg/pipeline"
)

// Tee is a transport that records everything passing through another
// transport into a capture.
//
// Recording never affects the transport: the first capture error is logged
// and recording stops, while reads and writes keep returning the wrapped
// transport's results.
type Tee struct {
	transport pipeline.Transport
	writer    *Writer
	logger    *slog.Logger
	failed    atomic.Bool
}

var _ pipeline.Transport = (*Tee)(nil)

// NewTee wraps t so reads and writes are recorded to w. A nil logger uses
// slog.Default.
func NewTee(t pipeline.Transport, w *Writer, logger *slog.Logger) *Tee {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{transport: t, writer: w, logger: logger}
}

// Recording reports whether the capture is still being written
func (t *Tee) Recording() bool {
	return !t.failed.Load()
}

// Read reads from the wrapped transport and records the bytes received
func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.transport.Read(p)
	if n > 0 && t.Recording() {
		// The chunk is encoded before Read returns, so p may be reused
		t.record(t.writer.WriteChunk(p[:n]))
	}
	return n, err
}

// Write writes to the wrapped transport and records the bytes sent
func (t *Tee) Write(p []byte) (int, error) {
	n, err := t.transport.Write(p)
	if n > 0 && t.Recording() {
		t.record(t.writer.WriteSent(p[:n]))
	}
	return n, err
}

// Close closes the wrapped transport and finishes the capture
func (t *Tee) Close() error {
	err := t.transport.Close()
	if cerr := t.writer.Close(); cerr != nil {
		t.logger.Warn("failed to finish capture", "session", t.writer.Header().Session, "error", cerr)
	}
	return err
}

func (t *Tee) record(err error) {
	if err == nil {
		return
	}
	if t.failed.CompareAndSwap(false, true) {
		chunks, bytes := t.writer.Stats()
		t.logger.Warn("capture write failed, recording stopped",
			"session", t.writer.Header().Session,
			"chunks", chunks,
			"bytes", bytes,
			"error", err)
	}
}
