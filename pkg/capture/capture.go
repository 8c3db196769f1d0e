// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records and replays raw IOLab byte streams.
//
// A capture file is a zstd stream of CBOR items. The first item is a Header,
// every following item is a Chunk holding the bytes of one transport read
// (or one command write) and its offset from the start of the capture.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Version is the capture format version written by this package
const Version = 1

// Capture errors
var (
	ErrUnsupportedVersion = errors.New("unsupported capture version")
	ErrClosed             = errors.New("capture closed")
)

// Header is the first item of a capture
type Header struct {
	Version int       `cbor:"version"`
	Session string    `cbor:"session"`
	Started time.Time `cbor:"started"`
	Source  string    `cbor:"source"`
}

// Chunk is one block of captured bytes
type Chunk struct {
	Offset time.Duration `cbor:"offset"` // since Header.Started
	Data   []byte        `cbor:"data"`
	Sent   bool          `cbor:"sent,omitempty"` // written to the dongle rather than read
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("capture: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer appends chunks to a capture. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	zw     *zstd.Encoder
	enc    *cbor.Encoder
	header Header
	file   io.Closer
	closed bool
	chunks int
	bytes  int
}

// NewWriter starts a capture on w with a fresh session id
func NewWriter(w io.Writer, source string) (*Writer, error) {
	return NewWriterWithHeader(w, Header{Source: source})
}

// NewWriterWithHeader starts a capture on w with the given header. A zero
// version, session or start time is filled in.
func NewWriterWithHeader(w io.Writer, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = Version
	}
	if h.Session == "" {
		h.Session = uuid.NewString()
	}
	if h.Started.IsZero() {
		h.Started = time.Now()
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	cw := &Writer{
		zw:     zw,
		enc:    encMode.NewEncoder(zw),
		header: h,
	}
	if err := cw.enc.Encode(h); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}

	return cw, nil
}

// Create creates (or truncates) a capture file at path. Pass the pipeline's
// session id in h so the file matches the run's logs.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}

	w, err := NewWriterWithHeader(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// Header returns the capture header
func (w *Writer) Header() Header {
	return w.header
}

// WriteChunk records data read from the transport now
func (w *Writer) WriteChunk(data []byte) error {
	return w.write(Chunk{Offset: time.Since(w.header.Started), Data: data})
}

// WriteSent records data written to the transport now
func (w *Writer) WriteSent(data []byte) error {
	return w.write(Chunk{Offset: time.Since(w.header.Started), Data: data, Sent: true})
}

// WriteChunkAt records a chunk with an explicit offset
func (w *Writer) WriteChunkAt(c Chunk) error {
	return w.write(c)
}

func (w *Writer) write(c Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(c); err != nil {
		return fmt.Errorf("failed to write capture chunk: %w", err)
	}
	w.chunks++
	w.bytes += len(c.Data)
	return nil
}

// Flush pushes buffered chunks through the compressor to the underlying writer
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.zw.Flush()
}

// Stats returns the number of chunks and data bytes written
func (w *Writer) Stats() (chunks, bytes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chunks, w.bytes
}

// Close finishes the zstd stream and closes the file opened by Create
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.zw.Close()
	if w.file != nil {
		err = errors.Join(err, w.file.Close())
	}
	return err
}

// Reader iterates over the chunks of a capture
type Reader struct {
	zr     *zstd.Decoder
	dec    *cbor.Decoder
	header Header
	file   io.Closer
}

// NewReader opens a capture stream and reads its header
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}

	cr := &Reader{
		zr:  zr,
		dec: decMode.NewDecoder(zr),
	}
	if err := cr.dec.Decode(&cr.header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if cr.header.Version != Version {
		zr.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cr.header.Version)
	}

	return cr, nil
}

// Open opens a capture file
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Header returns the capture header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next chunk, or io.EOF after the last one
func (r *Reader) Next() (Chunk, error) {
	var c Chunk
	if err := r.dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("failed to read capture chunk: %w", err)
	}
	return c, nil
}

// Close releases the decoder and closes the file opened by Open
func (r *Reader) Close() error {
	r.zr.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
