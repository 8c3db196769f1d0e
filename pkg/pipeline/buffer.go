// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import "sync"

// Buffer is the raw byte buffer shared by the ingest and analyze loops.
//
// It only grows. A snapshot taken with Snapshot stays valid and unchanged
// while later appends proceed, so the analyze loop can frame it without
// holding the lock.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// Append adds bytes to the end of the buffer and returns the new length
func (b *Buffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return len(b.data)
}

// Len returns the number of bytes buffered so far
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Snapshot returns the bytes buffered so far. The returned slice has its
// capacity capped at its length so appending to it never aliases the buffer.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.data)
	return b.data[:n:n]
}
