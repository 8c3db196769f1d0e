// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test Helpers
// ============================================================

// fakeTransport hands out queued chunks, then (0, nil) or io.EOF
type fakeTransport struct {
	mu      sync.Mutex
	chunks  [][]byte
	eof     bool
	readErr error
	written bytes.Buffer
	closed  bool
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrTransportClosed
	}
	if len(f.chunks) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		if f.eof {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, f.chunks[0])
	if n < len(f.chunks[0]) {
		f.chunks[0] = f.chunks[0][n:]
	} else {
		f.chunks = f.chunks[1:]
	}
	return n, nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrTransportClosed
	}
	return f.written.Write(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func openerFor(t Transport) Opener {
	return func() (Transport, error) { return t, nil }
}

func testOptions() []Option {
	return []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReadInterval(time.Millisecond),
		WithAnalyzeInterval(2 * time.Millisecond),
	}
}

// countingHandler counts callbacks
type countingHandler struct {
	begin, cycle, end atomic.Int32
}

func (h *countingHandler) OnBegin(*Session) { h.begin.Add(1) }
func (h *countingHandler) OnCycle(*Session) { h.cycle.Add(1) }
func (h *countingHandler) OnEnd(*Session)   { h.end.Add(1) }

// acquisitionStream is a fixed configuration reply, a packet configuration
// for accelerometer + high gain and two data records
func acquisitionStream() []byte {
	var s []byte
	s = append(s, iolab.NewRecord(iolab.RecordFixedConfig, []byte{1, 3}).Bytes()...)
	s = append(s, iolab.NewRecord(iolab.RecordPacketConfig, []byte{1, 2, 1, 6, 12, 2}).Bytes()...)
	for seq := byte(1); seq <= 2; seq++ {
		payload := []byte{1, 0, seq, 2,
			1, 6, 0x00, 0x64, 0x00, 0x32, 0x00, 0x0A,
			12, 2, 0x00, seq,
			0x40}
		s = append(s, iolab.NewRecord(iolab.RecordDataFromRemote, payload).Bytes()...)
	}
	return s
}

// chunked splits data into pieces of at most n bytes
func chunked(data []byte, n int) [][]byte {
	var out [][]byte
	for len(data) > n {
		out = append(out, data[:n])
		data = data[n:]
	}
	return append(out, data)
}

// ============================================================
// Buffer Tests
// ============================================================

func TestBuffer_SnapshotStable(t *testing.T) {
	var b Buffer
	assert.Equal(t, 3, b.Append([]byte{1, 2, 3}))

	snap := b.Snapshot()
	b.Append([]byte{4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17})

	assert.Equal(t, []byte{1, 2, 3}, snap)
	assert.Equal(t, 3, cap(snap))
	assert.Equal(t, 17, b.Len())
	assert.Len(t, b.Snapshot(), 17)
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	var b Buffer
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Append([]byte{1})
				_ = b.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Len())
}

// ============================================================
// Lifecycle Tests
// ============================================================

func TestPipeline_Lifecycle(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{}
	p, err := New(openerFor(tr), h, testOptions()...)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, p.State())

	require.NoError(t, p.Start())
	assert.Equal(t, StateRunning, p.State())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)

	require.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.State())
	assert.True(t, tr.isClosed())

	// Idempotent
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	assert.Equal(t, StateStopped, p.State())

	assert.Equal(t, int32(1), h.begin.Load())
	assert.Equal(t, int32(1), h.end.Load())
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	p, err := New(openerFor(&fakeTransport{}), nil, testOptions()...)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Stop(), ErrNotRunning)
}

func TestPipeline_ConcurrentStop(t *testing.T) {
	h := &countingHandler{}
	p, err := New(openerFor(&fakeTransport{}), h, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.end.Load())
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_OpenerError(t *testing.T) {
	boom := errors.New("no dongle")
	p, err := New(func() (Transport, error) { return nil, boom }, nil, testOptions()...)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Start(), boom)
	assert.Equal(t, StateIdle, p.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(openerFor(&fakeTransport{}), nil, WithTypeOrder(iolab.RecordACK, iolab.RecordACK))
	assert.Error(t, err)
}

func TestNew_SessionID(t *testing.T) {
	p, err := New(openerFor(&fakeTransport{}), nil, WithSessionID("run-42"))
	require.NoError(t, err)
	assert.Equal(t, "run-42", p.Session().ID())

	p, err = New(openerFor(&fakeTransport{}), nil)
	require.NoError(t, err)
	assert.Len(t, p.Session().ID(), 36)
}

func TestPipeline_StopFromCycleGoroutine(t *testing.T) {
	// No EOF: the pipeline runs until the handler stops it
	tr := &fakeTransport{chunks: [][]byte{acquisitionStream()}}

	var p *Pipeline
	stopped := make(chan error, 1)
	var once sync.Once
	h := HandlerFuncs{
		Cycle: func(s *Session) {
			if s.ConfigReady() {
				once.Do(func() { go func() { stopped <- p.Stop() }() })
			}
		},
	}

	var err error
	p, err = New(openerFor(tr), h, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_BeginRunsBeforeFirstCycle(t *testing.T) {
	tr := &fakeTransport{chunks: [][]byte{acquisitionStream()}, eof: true}

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	h := HandlerFuncs{
		Begin: func(*Session) { record("begin") },
		Cycle: func(*Session) { record("cycle") },
		End:   func(*Session) { record("end") },
	}

	p, err := New(openerFor(tr), h, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, "begin", order[0])
	assert.Equal(t, "end", order[len(order)-1])
	for _, s := range order[1 : len(order)-1] {
		assert.Equal(t, "cycle", s)
	}
}

// ============================================================
// Data Flow Tests
// ============================================================

func TestPipeline_RunDecodesStream(t *testing.T) {
	tr := &fakeTransport{chunks: chunked(acquisitionStream(), 7), eof: true}
	h := &countingHandler{}

	p, err := New(openerFor(tr), h, testOptions()...)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	s := p.Session()
	assert.True(t, p.ConfigReady())
	assert.True(t, s.ConfigReady())
	assert.Equal(t, uint8(3), s.FixedConfig())
	assert.Equal(t, iolab.SensorMap{1: 6, 12: 2}, s.Sensors())
	assert.Equal(t, 4, s.Store().Len())
	assert.Equal(t, 2, s.Store().DataLen())

	assert.Equal(t,
		[]iolab.Sample{iolab.Triple(-50, 100, 10), iolab.Triple(-50, 100, 10)},
		s.Outputs().Samples(iolab.SensorAccelerometer))
	assert.Equal(t,
		[]iolab.Sample{iolab.Scalar(1), iolab.Scalar(2)},
		s.Outputs().Samples(iolab.SensorHighGain))

	assert.Equal(t, len(acquisitionStream()), p.Buffered())
	assert.Equal(t, p.Buffered(), p.Analyzed())
	assert.Equal(t, uint64(4), s.Stats().TotalRecords)
	assert.Equal(t, uint64(4), s.Stats().TotalSamples)
	assert.GreaterOrEqual(t, int(h.cycle.Load()), 1)
	assert.Equal(t, int(h.cycle.Load()), s.Cycles())
	assert.NotEmpty(t, s.ID())
}

func TestPipeline_LiveStreamAndCancel(t *testing.T) {
	tr := &fakeTransport{}
	p, err := New(openerFor(tr), nil, testOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	stream := acquisitionStream()
	tr.push(stream[:20])
	assert.Eventually(t, func() bool { return p.ConfigReady() }, time.Second, time.Millisecond)

	tr.push(stream[20:])
	assert.Eventually(t, func() bool { return p.Analyzed() == len(stream) }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, p.Session().Store().DataLen())
}

func TestPipeline_ReadErrorReturned(t *testing.T) {
	boom := errors.New("usb unplugged")
	tr := &fakeTransport{chunks: [][]byte{acquisitionStream()}, readErr: boom}

	p, err := New(openerFor(tr), nil, testOptions()...)
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_Send(t *testing.T) {
	tr := &fakeTransport{}
	p, err := New(openerFor(tr), nil, testOptions()...)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Send(iolab.NewStartData()), ErrNotRunning)

	require.NoError(t, p.Start())
	require.NoError(t, p.SendAll(context.Background(), time.Millisecond, iolab.ConfigureSequence(1, 3)...))
	require.NoError(t, p.Send(iolab.NewStartData()))
	require.NoError(t, p.Stop())

	want := []byte{
		0x02, 0x26, 0x02, 0x01, 0x03, 0x0A,
		0x02, 0x27, 0x01, 0x01, 0x0A,
		0x02, 0x28, 0x01, 0x01, 0x0A,
		0x02, 0x20, 0x00, 0x0A,
	}
	assert.Equal(t, want, tr.writtenBytes())
	assert.ErrorIs(t, p.Send(iolab.NewStopData()), ErrNotRunning)
}

func TestPipeline_SendTooLarge(t *testing.T) {
	p, err := New(openerFor(&fakeTransport{}), nil, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	err = p.Send(iolab.NewRecord(iolab.CmdSetSensorConfig, make([]byte, 300)))
	assert.ErrorIs(t, err, iolab.ErrInvalidLength)
}

func TestPipeline_WaitIdleTimeout(t *testing.T) {
	p, err := New(openerFor(&fakeTransport{}), nil, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestMultiHandler(t *testing.T) {
	a, b := &countingHandler{}, &countingHandler{}
	tr := &fakeTransport{chunks: [][]byte{acquisitionStream()}, eof: true}

	p, err := New(openerFor(tr), MultiHandler(a, nil, b), testOptions()...)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	for _, h := range []*countingHandler{a, b} {
		assert.Equal(t, int32(1), h.begin.Load())
		assert.Equal(t, int32(1), h.end.Load())
		assert.GreaterOrEqual(t, h.cycle.Load(), int32(1))
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// ============================================================
// Metrics Tests
// ============================================================

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	stream := acquisitionStream()
	tr := &fakeTransport{chunks: [][]byte{stream}, eof: true}
	p, err := New(openerFor(tr), nil, append(testOptions(), WithMetrics(m))...)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, float64(len(stream)), testutil.ToFloat64(m.bytesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordsTotal.WithLabelValues("DATA")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.configChanges.WithLabelValues("packet_config")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.samplesTotal.WithLabelValues("HighGain")))
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(m.state))

	// Registering twice fails
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_Nil(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Nil metrics are safe to use
	m.recordIngest(1, 1)
	m.recordCycle(Cycle{}, time.Millisecond)
	m.recordState(StateRunning)
}
