// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test Helpers
// ============================================================

var testStarted = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testHeader() Header {
	return Header{
		Version: Version,
		Session: "00000000-0000-0000-0000-000000000001",
		Started: testStarted,
		Source:  "test",
	}
}

// writeCapture encodes chunks into an in-memory capture
func writeCapture(t *testing.T, chunks ...Chunk) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := NewWriterWithHeader(&buf, testHeader())
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.WriteChunkAt(c))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func openCapture(t *testing.T, data []byte) *Reader {
	t.Helper()

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	return r
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memTransport is a pipeline transport backed by a byte slice
type memTransport struct {
	data    []byte
	written bytes.Buffer
	closed  bool
}

func (m *memTransport) Read(p []byte) (int, error) {
	if len(m.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.data)
	m.data = m.data[n:]
	return n, nil
}

func (m *memTransport) Write(p []byte) (int, error) {
	return m.written.Write(p)
}

func (m *memTransport) Close() error {
	m.closed = true
	return nil
}

// chunkTransport delivers data at most size bytes per read
type chunkTransport struct {
	memTransport
	size int
}

func (c *chunkTransport) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.memTransport.Read(p)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acquisitionStream is a packet configuration for the high gain sensor
// followed by two data records
func acquisitionStream() []byte {
	var s []byte
	s = append(s, iolab.NewRecord(iolab.RecordPacketConfig, []byte{1, 1, 12, 2}).Bytes()...)
	for seq := byte(1); seq <= 2; seq++ {
		payload := []byte{1, 0, seq, 1, 12, 2, 0x00, seq, 0x40}
		s = append(s, iolab.NewRecord(iolab.RecordDataFromRemote, payload).Bytes()...)
	}
	return s
}

// ============================================================
// Writer / Reader Tests
// ============================================================

func TestCapture_RoundTrip(t *testing.T) {
	data := writeCapture(t,
		Chunk{Offset: 10 * time.Millisecond, Data: []byte{0x02, 0xAA}},
		Chunk{Offset: 15 * time.Millisecond, Data: []byte{0x20, 0x00, 0x0A}, Sent: true},
		Chunk{Offset: 20 * time.Millisecond, Data: []byte{0x01, 0x14, 0x0A}},
	)

	r := openCapture(t, data)
	defer r.Close()

	h := r.Header()
	assert.Equal(t, Version, h.Version)
	assert.Equal(t, "test", h.Source)
	assert.True(t, testStarted.Equal(h.Started))

	var got []Chunk
	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, c)
	}

	require.Len(t, got, 3)
	assert.Equal(t, 10*time.Millisecond, got[0].Offset)
	assert.Equal(t, []byte{0x02, 0xAA}, got[0].Data)
	assert.False(t, got[0].Sent)
	assert.True(t, got[1].Sent)
	assert.Equal(t, []byte{0x01, 0x14, 0x0A}, got[2].Data)
}

func TestCapture_EmptyCapture(t *testing.T) {
	r := openCapture(t, writeCapture(t))
	defer r.Close()

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCapture_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.iolab")

	w, err := Create(path, Header{Session: "run-42", Source: "/dev/ttyUSB0"})
	require.NoError(t, err)
	assert.Equal(t, "run-42", w.Header().Session)
	assert.Equal(t, Version, w.Header().Version)
	assert.False(t, w.Header().Started.IsZero())
	require.NoError(t, w.WriteChunk([]byte{1, 2, 3}))
	require.NoError(t, w.WriteSent([]byte{4, 5}))

	chunks, n := w.Stats()
	assert.Equal(t, 2, chunks)
	assert.Equal(t, 5, n)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "/dev/ttyUSB0", r.Header().Source)
	assert.Equal(t, "run-42", r.Header().Session)
	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, c.Data)
	assert.GreaterOrEqual(t, c.Offset, time.Duration(0))
}

func TestCapture_NewWriterFillsSession(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "test")
	require.NoError(t, err)
	defer w.Close()

	assert.NotEmpty(t, w.Header().Session)
	assert.Equal(t, "test", w.Header().Source)
}

func TestCapture_WriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "test")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteChunk([]byte{1}), ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)
}

func TestCapture_UnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	enc, err := cbor.CoreDetEncOptions().EncMode()
	require.NoError(t, err)
	require.NoError(t, enc.NewEncoder(zw).Encode(Header{Version: 99}))
	require.NoError(t, zw.Close())

	_, err = NewReader(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCapture_NotACapture(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a capture")))
	assert.Error(t, err)
}

// ============================================================
// Replay Tests
// ============================================================

func TestReplay_ReadsReceivedChunks(t *testing.T) {
	data := writeCapture(t,
		Chunk{Offset: 0, Data: []byte{1, 2, 3, 4}},
		Chunk{Offset: time.Millisecond, Data: []byte{9}, Sent: true},
		Chunk{Offset: 2 * time.Millisecond, Data: []byte{5, 6}},
	)
	rp := NewReplay(openCapture(t, data))

	got, err := io.ReadAll(rp)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)

	n, err := rp.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestReplay_SmallReadBuffer(t *testing.T) {
	data := writeCapture(t, Chunk{Data: []byte{1, 2, 3, 4, 5}})
	rp := NewReplay(openCapture(t, data))

	buf := make([]byte, 2)
	var got []byte
	for {
		n, err := rp.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
}

func TestReplay_Realtime(t *testing.T) {
	clock := &fakeClock{now: testStarted}
	data := writeCapture(t,
		Chunk{Offset: 100 * time.Millisecond, Data: []byte{1}},
		Chunk{Offset: 300 * time.Millisecond, Data: []byte{2}},
	)
	rp := NewReplay(openCapture(t, data), WithRealtime(true), withClock(clock.Now))
	buf := make([]byte, 8)

	// First chunk anchors the schedule and is due at once
	n, err := rp.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, buf[:n])

	n, err = rp.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n, "second chunk is not yet due")

	clock.Advance(150 * time.Millisecond)
	n, err = rp.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(50 * time.Millisecond)
	n, err = rp.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, buf[:n])
}

func TestReplay_SpeedAndMaxWait(t *testing.T) {
	clock := &fakeClock{now: testStarted}
	data := writeCapture(t,
		Chunk{Offset: 0, Data: []byte{1}},
		Chunk{Offset: 10 * time.Second, Data: []byte{2}},
		Chunk{Offset: 10*time.Second + 200*time.Millisecond, Data: []byte{3}},
	)
	rp := NewReplay(openCapture(t, data),
		WithRealtime(true),
		WithSpeed(2),
		WithMaxWait(time.Second),
		withClock(clock.Now))
	buf := make([]byte, 8)

	n, _ := rp.Read(buf)
	assert.Equal(t, 1, n)

	// The 10s gap is capped to 1s, replayed at double speed
	clock.Advance(400 * time.Millisecond)
	n, _ = rp.Read(buf)
	assert.Zero(t, n)

	clock.Advance(100 * time.Millisecond)
	n, _ = rp.Read(buf)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(2), buf[0])

	clock.Advance(100 * time.Millisecond)
	n, _ = rp.Read(buf)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(3), buf[0])
}

func TestReplay_WriteAndClose(t *testing.T) {
	rp := NewReplay(openCapture(t, writeCapture(t, Chunk{Data: []byte{1}})))

	n, err := rp.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, rp.Written())

	require.NoError(t, rp.Close())
	require.NoError(t, rp.Close())

	_, err = rp.Read(make([]byte, 4))
	assert.ErrorIs(t, err, pipeline.ErrTransportClosed)
	_, err = rp.Write([]byte{1})
	assert.ErrorIs(t, err, pipeline.ErrTransportClosed)
}

// ============================================================
// Tee Tests
// ============================================================

func TestTee_RecordsReadsAndWrites(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "mem")
	require.NoError(t, err)

	inner := &memTransport{data: []byte{1, 2, 3}}
	tee := NewTee(inner, w, discardLogger())

	_, err = tee.Write([]byte{0x02, 0x20, 0x00, 0x0A})
	require.NoError(t, err)
	got, err := io.ReadAll(tee)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, tee.Close())
	assert.True(t, inner.closed)
	assert.Equal(t, []byte{0x02, 0x20, 0x00, 0x0A}, inner.written.Bytes())

	r := openCapture(t, buf.Bytes())
	defer r.Close()

	c, err := r.Next()
	require.NoError(t, err)
	assert.True(t, c.Sent)
	assert.Equal(t, []byte{0x02, 0x20, 0x00, 0x0A}, c.Data)

	c, err = r.Next()
	require.NoError(t, err)
	assert.False(t, c.Sent)
	assert.Equal(t, []byte{1, 2, 3}, c.Data)
}

func TestTee_CaptureFailureKeepsTransport(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "mem")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	inner := &memTransport{data: []byte{1, 2, 3}}
	tee := NewTee(inner, w, discardLogger())

	n, err := tee.Write([]byte{0x02, 0x20, 0x00, 0x0A})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, tee.Recording())

	got, err := io.ReadAll(tee)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.NoError(t, tee.Close())
	assert.True(t, inner.closed)
}

// ============================================================
// Pipeline Integration Tests
// ============================================================

func TestTee_ClosedCaptureStillDrivesPipeline(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "mem")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	stream := acquisitionStream()
	inner := &chunkTransport{memTransport: memTransport{data: stream}, size: 5}
	opener := func() (pipeline.Transport, error) {
		return NewTee(inner, w, discardLogger()), nil
	}
	p, err := pipeline.New(opener, nil,
		pipeline.WithLogger(discardLogger()),
		pipeline.WithReadInterval(time.Millisecond),
		pipeline.WithAnalyzeInterval(2*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, len(stream), p.Buffered())
	s := p.Session()
	assert.Equal(t, 3, s.Store().Len())
	assert.Equal(t,
		[]iolab.Sample{iolab.Scalar(1), iolab.Scalar(2)},
		s.Outputs().Samples(iolab.SensorHighGain))
}

func TestReplay_DrivesPipeline(t *testing.T) {
	stream := acquisitionStream()
	var chunks []Chunk
	for i := 0; i < len(stream); i += 5 {
		end := min(i+5, len(stream))
		chunks = append(chunks, Chunk{Offset: time.Duration(i) * time.Millisecond, Data: stream[i:end]})
	}
	data := writeCapture(t, chunks...)

	opener := func() (pipeline.Transport, error) {
		return NewReplay(openCapture(t, data)), nil
	}
	p, err := pipeline.New(opener, nil,
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		pipeline.WithReadInterval(time.Millisecond),
		pipeline.WithAnalyzeInterval(2*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	s := p.Session()
	assert.True(t, s.ConfigReady())
	assert.Equal(t, 3, s.Store().Len())
	assert.Equal(t,
		[]iolab.Sample{iolab.Scalar(1), iolab.Scalar(2)},
		s.Outputs().Samples(iolab.SensorHighGain))
}
