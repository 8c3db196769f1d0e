// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pipeline runs the IOLab acquisition loops.
//
// An ingest goroutine copies bytes from the transport into an append-only
// buffer. An analyze goroutine periodically frames the new bytes, stores the
// records, follows the remote's configuration and decodes data records into
// per-sensor samples, then hands the session to the caller's Handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/google/uuid"
)

// Default loop intervals
const (
	DefaultReadInterval    = 50 * time.Millisecond
	DefaultAnalyzeInterval = 110 * time.Millisecond
	DefaultReadSize        = 4096
)

// Pipeline errors
var (
	ErrAlreadyStarted  = errors.New("pipeline already started")
	ErrNotRunning      = errors.New("pipeline not running")
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is the byte stream to the dongle.
//
// Read must return within a bounded time and report (0, nil) when nothing is
// available. io.EOF or ErrTransportClosed end the ingest loop normally.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Opener opens the transport when the pipeline starts
type Opener func() (Transport, error)

// State is the pipeline lifecycle state
type State int32

// Pipeline states
const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger (default slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithReadInterval sets how long the ingest loop waits when nothing arrived
func WithReadInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.readInterval = d
		}
	}
}

// WithAnalyzeInterval sets the analysis cycle period
func WithAnalyzeInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.analyzeInterval = d
		}
	}
}

// WithReadSize sets the maximum number of bytes requested per read
func WithReadSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTypeOrder sets the framer's record type tie-break order
func WithTypeOrder(order ...iolab.RecordType) Option {
	return func(p *Pipeline) {
		p.typeOrder = order
	}
}

// WithSessionID sets the run's session id instead of generating one
func WithSessionID(id string) Option {
	return func(p *Pipeline) {
		p.sessionID = id
	}
}

// WithDumpData logs a hex dump of the new bytes of every cycle at debug level
func WithDumpData(enabled bool) Option {
	return func(p *Pipeline) {
		p.dumpData = enabled
	}
}

// Pipeline owns the ingest and analyze loops of one acquisition run.
// A Pipeline runs at most once.
type Pipeline struct {
	opener  Opener
	handler Handler
	logger  *slog.Logger
	metrics *Metrics

	readInterval    time.Duration
	analyzeInterval time.Duration
	readSize        int
	typeOrder       []iolab.RecordType
	dumpData        bool
	sessionID       string

	mu        sync.Mutex
	state     State
	transport Transport
	writeMu   sync.Mutex
	closeErr  error

	buf        Buffer
	analyzed   atomic.Int64
	ready      atomic.Bool
	ingestErr  error
	ingestDone chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Only touched by the analyze goroutine while running
	session *Session
	framer  *iolab.Framer
	decoder *iolab.PayloadDecoder
}

// New creates an idle pipeline. The handler may be nil.
func New(opener Opener, handler Handler, opts ...Option) (*Pipeline, error) {
	if opener == nil {
		return nil, fmt.Errorf("pipeline: opener is required")
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}

	p := &Pipeline{
		opener:          opener,
		handler:         handler,
		logger:          slog.Default(),
		readInterval:    DefaultReadInterval,
		analyzeInterval: DefaultAnalyzeInterval,
		readSize:        DefaultReadSize,
		ingestDone:      make(chan struct{}),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	id := p.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	p.logger = p.logger.With("session", id)

	framer, err := iolab.NewFramer(p.logger, p.typeOrder...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.framer = framer

	outputs := iolab.NewOutputs()
	p.decoder = iolab.NewPayloadDecoder(outputs, p.logger)
	p.session = &Session{
		id:      id,
		started: time.Now(),
		store:   iolab.NewStore(p.logger),
		outputs: outputs,
		tracker: iolab.NewTracker(p.logger),
		stats:   iolab.NewStatistics(),
	}

	p.metrics.recordState(StateIdle)
	return p, nil
}

// Start opens the transport and launches the ingest and analyze loops
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return ErrAlreadyStarted
	}

	transport, err := p.opener()
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	p.transport = transport
	p.setState(StateRunning)

	p.logger.Info("pipeline started",
		"read_interval", p.readInterval,
		"analyze_interval", p.analyzeInterval)

	p.wg.Add(2)
	go p.ingestLoop()
	go p.analyzeLoop()

	return nil
}

// Stop signals both loops, waits for them, runs the end callback and closes
// the transport. Calling Stop again returns the same result. Stop must not be
// called from OnBegin or OnCycle on the analyze goroutine.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	idle := p.state == StateIdle
	p.mu.Unlock()
	if idle {
		return ErrNotRunning
	}

	p.stopOnce.Do(p.shutdown)
	return p.closeErr
}

// Run starts the pipeline and stops it when ctx is cancelled or the
// transport ends and everything it delivered has been analyzed
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}

	var waitErr error
	select {
	case <-ctx.Done():
	case <-p.ingestDone:
		waitErr = p.WaitIdle(ctx)
	}

	stopErr := p.Stop()

	if err := p.IngestErr(); err != nil {
		return err
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, ErrNotRunning) {
		return waitErr
	}
	return stopErr
}

// Send encodes a command record and writes it to the transport
func (p *Pipeline) Send(r *iolab.Record) error {
	data, err := iolab.EncodeRecord(r)
	if err != nil {
		return err
	}

	p.mu.Lock()
	running := p.state == StateRunning
	transport := p.transport
	p.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := transport.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", iolab.FormatCommandType(r.Type()), err)
	}
	p.logger.Debug("command sent", "command", iolab.FormatCommandType(r.Type()), "bytes", iolab.FormatHex(data))
	return nil
}

// SendAll sends commands in order, pausing between them so the dongle can
// process each one
func (p *Pipeline) SendAll(ctx context.Context, pause time.Duration, cmds ...*iolab.Record) error {
	for i, c := range cmds {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		if err := p.Send(c); err != nil {
			return err
		}
	}
	return nil
}

// ConfigReady reports whether a packet configuration has been received.
// Safe to call from any goroutine.
func (p *Pipeline) ConfigReady() bool {
	return p.ready.Load()
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns the run's session. See Session for when it may be read.
func (p *Pipeline) Session() *Session {
	return p.session
}

// IngestDone is closed when the ingest loop has exited
func (p *Pipeline) IngestDone() <-chan struct{} {
	return p.ingestDone
}

// IngestErr returns the transport error that ended ingest, or nil when it
// ended normally (stop, end of stream) or is still running
func (p *Pipeline) IngestErr() error {
	select {
	case <-p.ingestDone:
		return p.ingestErr
	default:
		return nil
	}
}

// Buffered returns the number of bytes ingested so far
func (p *Pipeline) Buffered() int {
	return p.buf.Len()
}

// Analyzed returns the number of ingested bytes the analyze loop has processed
func (p *Pipeline) Analyzed() int {
	return int(p.analyzed.Load())
}

// WaitIdle blocks until ingest has ended and every ingested byte has been
// analyzed
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(p.analyzeInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.ingestDone:
			if p.Analyzed() == p.buf.Len() {
				return nil
			}
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return ErrNotRunning
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) setState(s State) {
	p.state = s
	p.metrics.recordState(s)
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	p.setState(StateStopping)
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	p.handler.OnEnd(p.session)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.transport.Close(); err != nil && !isEndOfStream(err) {
		p.closeErr = fmt.Errorf("failed to close transport: %w", err)
	}
	p.setState(StateStopped)

	p.logger.Info("pipeline stopped",
		"bytes", p.buf.Len(),
		"records", p.session.store.Len(),
		"cycles", p.session.cycles)
}

func (p *Pipeline) ingestLoop() {
	defer p.wg.Done()
	defer close(p.ingestDone)

	chunk := make([]byte, p.readSize)
	wait := time.NewTimer(p.readInterval)
	defer wait.Stop()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.transport.Read(chunk)
		if n > 0 {
			buffered := p.buf.Append(chunk[:n])
			p.metrics.recordIngest(n, buffered)
		}
		if err != nil {
			if isEndOfStream(err) {
				p.logger.Info("transport ended", "bytes", p.buf.Len())
			} else {
				p.logger.Error("transport read failed", "error", err)
				p.ingestErr = err
			}
			return
		}
		if n > 0 {
			continue
		}

		// Nothing arrived
		wait.Reset(p.readInterval)
		select {
		case <-p.stop:
			return
		case <-wait.C:
		}
	}
}

func (p *Pipeline) analyzeLoop() {
	defer p.wg.Done()

	p.handler.OnBegin(p.session)

	ticker := time.NewTicker(p.analyzeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cycle()
		}
	}
}

// cycle runs framing, storage, configuration tracking and decoding over the
// bytes that arrived since the previous cycle
func (p *Pipeline) cycle() {
	prev := int(p.analyzed.Load())
	if p.buf.Len() == prev {
		return
	}

	start := time.Now()
	data := p.buf.Snapshot()
	s := p.session

	if p.dumpData {
		p.logger.Debug("new bytes", "offset", prev, "count", len(data)-prev,
			"dump", "\n"+iolab.FormatHexDump(data[prev:], prev))
	}

	frame := p.framer.Frame(data)
	s.store.AppendAll(frame.Records)

	changes := s.tracker.Update(s.store)
	p.ready.Store(s.tracker.Ready())

	decode := p.decoder.Decode(s.store, s.tracker.Sensors())
	s.stats.Update(frame, decode, len(changes))

	s.cycles++
	s.last = Cycle{
		N:        s.cycles,
		Offset:   prev,
		Bytes:    len(data),
		Frame:    frame,
		Changes:  changes,
		Decode:   decode,
		Duration: time.Since(start),
	}
	p.metrics.recordCycle(s.last, s.last.Duration)

	p.handler.OnCycle(s)
	p.analyzed.Store(int64(len(data)))
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrTransportClosed)
}
