// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/pipeline"
)

// ReplayOption configures a Replay
type ReplayOption func(*Replay)

// WithRealtime paces reads by the recorded chunk offsets
func WithRealtime(enabled bool) ReplayOption {
	return func(r *Replay) {
		r.realtime = enabled
	}
}

// WithSpeed scales realtime pacing. 2 replays twice as fast.
func WithSpeed(speed float64) ReplayOption {
	return func(r *Replay) {
		if speed > 0 {
			r.speed = speed
		}
	}
}

// WithMaxWait caps the pause between two chunks during realtime replay
func WithMaxWait(d time.Duration) ReplayOption {
	return func(r *Replay) {
		r.maxWait = d
	}
}

// withClock replaces time.Now for tests
func withClock(now func() time.Time) ReplayOption {
	return func(r *Replay) {
		r.now = now
	}
}

// Replay is a pipeline transport that plays back the received chunks of a
// capture. Writes are discarded.
type Replay struct {
	mu     sync.Mutex
	reader *Reader
	closed bool

	realtime bool
	speed    float64
	maxWait  time.Duration
	now      func() time.Time

	started bool
	anchor  time.Time     // wall time the current schedule started
	base    time.Duration // capture offset at anchor
	last    time.Duration // offset of the previous chunk

	pending []byte // unread part of the current chunk
	due     *Chunk // next chunk, held until its time arrives
	written int
}

var _ pipeline.Transport = (*Replay)(nil)

// NewReplay creates a replay transport over an open capture
func NewReplay(r *Reader, opts ...ReplayOption) *Replay {
	rp := &Replay{
		reader: r,
		speed:  1,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// OpenReplay opens a capture file as a replay transport
func OpenReplay(path string, opts ...ReplayOption) (*Replay, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewReplay(r, opts...), nil
}

// Header returns the header of the capture being replayed
func (r *Replay) Header() Header {
	return r.reader.Header()
}

// Read copies the next captured bytes into p. It returns (0, nil) while the
// next chunk is not yet due, and io.EOF once the capture is exhausted.
func (r *Replay) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, pipeline.ErrTransportClosed
	}

	if len(r.pending) == 0 {
		c, err := r.nextReceived()
		if err != nil {
			return 0, err
		}
		if !r.isDue(c.Offset) {
			r.due = &c
			return 0, nil
		}
		r.due = nil
		r.pending = c.Data
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// nextReceived returns the held chunk or reads the next non-sent one
func (r *Replay) nextReceived() (Chunk, error) {
	if r.due != nil {
		return *r.due, nil
	}
	for {
		c, err := r.reader.Next()
		if err != nil {
			return Chunk{}, err
		}
		if c.Sent || len(c.Data) == 0 {
			continue
		}
		r.schedule(c.Offset)
		return c, nil
	}
}

// schedule applies the max wait cap to a newly read chunk
func (r *Replay) schedule(offset time.Duration) {
	if !r.started {
		r.started = true
		r.anchor = r.now()
		r.base = offset
		r.last = offset
		return
	}
	if r.maxWait > 0 && offset-r.last > r.maxWait {
		// Shift the schedule so the gap shrinks to maxWait
		r.base += offset - r.last - r.maxWait
	}
	r.last = offset
}

func (r *Replay) isDue(offset time.Duration) bool {
	if !r.realtime {
		return true
	}
	elapsed := time.Duration(float64(r.now().Sub(r.anchor)) * r.speed)
	return elapsed >= offset-r.base
}

// Write discards p
func (r *Replay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, pipeline.ErrTransportClosed
	}
	r.written += len(p)
	return len(p), nil
}

// Written returns the number of bytes discarded by Write
func (r *Replay) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close closes the capture. Later reads return pipeline.ErrTransportClosed.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.reader.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
