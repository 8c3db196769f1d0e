// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/capture"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/term"
)

// Connection is the byte stream to the dongle
type Connection = pipeline.Transport

// autoPort selects the first serial port that looks like an IOLab dongle
const autoPort = "auto"

// iolabProductTag appears in the USB product string of the dongle
const iolabProductTag = "IOLab"

// SerialConnection wraps a serial port. Reads return (0, nil) after the
// port's read timeout.
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = fmt.Errorf("websocket connection closed: %w", pipeline.ErrTransportClosed)

// WebSocketConnection wraps a WebSocket connection for byte-level reading.
// A reader goroutine queues binary messages so Read never blocks longer
// than the read timeout.
type WebSocketConnection struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	messages chan []byte
	done     chan struct{}
	readErr  error // set before done is closed
	buf      []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWebSocketConnection(conn *websocket.Conn, readTimeout time.Duration) *WebSocketConnection {
	w := &WebSocketConnection{
		conn:        conn,
		readTimeout: readTimeout,
		messages:    make(chan []byte, 64),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocketConnection) readLoop() {
	defer close(w.done)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.readErr = err
			return
		}

		// Only binary messages carry dongle bytes
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case w.messages <- data:
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	// If we have buffered data, return it first
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}

	timer := time.NewTimer(w.readTimeout)
	defer timer.Stop()

	select {
	case data := <-w.messages:
		n := copy(p, data)
		w.buf = data[n:]
		return n, nil
	case <-w.closed:
		return 0, ErrConnectionClosed
	case <-w.done:
		// Drain anything queued before the reader stopped
		select {
		case data := <-w.messages:
			n := copy(p, data)
			w.buf = data[n:]
			return n, nil
		default:
		}
		if w.readErr != nil && !websocket.IsCloseError(w.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			slog.Debug("websocket read ended", "error", w.readErr)
		}
		return 0, ErrConnectionClosed
	case <-timer.C:
		return 0, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.conn.Close()
	})
	return err
}

// OpenSerialConnection opens a serial port connection
func OpenSerialConnection(portName string, baudRate int, readTimeout time.Duration) (*SerialConnection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool, readTimeout time.Duration) (*WebSocketConnection, error) {
	// Parse and validate URL
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	// Validate scheme
	switch u.Scheme {
	case "ws", "wss":
		// OK
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	// Create dialer with timeout
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	// Configure TLS for wss://
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	// Build HTTP headers with Basic auth
	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	// Connect
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocketConnection(conn, readTimeout), nil
}

// OpenReplayConnection opens a capture file for playback
func OpenReplayConnection(path string, realtime bool, speed float64) (*capture.Replay, error) {
	return capture.OpenReplay(path,
		capture.WithRealtime(realtime),
		capture.WithSpeed(speed),
		capture.WithMaxWait(2*time.Second))
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("IOLAB_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// iolabPorts filters a port list down to IOLab dongles
func iolabPorts(ports []*enumerator.PortDetails) []*enumerator.PortDetails {
	var found []*enumerator.PortDetails
	for _, p := range ports {
		if p.IsUSB && strings.Contains(p.Product, iolabProductTag) {
			found = append(found, p)
		}
	}
	return found
}

// FindIOLabPort returns the first serial port an IOLab dongle is plugged into
func FindIOLabPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports: %w", err)
	}

	found := iolabPorts(ports)
	switch len(found) {
	case 0:
		return "", errors.New("found no IOLab USB dongles")
	case 1:
	default:
		slog.Warn("found several IOLab USB dongles, using the first", "count", len(found), "port", found[0].Name)
	}
	return found[0].Name, nil
}

// describeConnection returns a one-line description of the configured connection
func describeConnection() string {
	c := cfg.Connection
	switch {
	case c.Replay != "":
		if c.Realtime {
			return fmt.Sprintf("Replay: %s (realtime x%g)", c.Replay, c.ReplaySpeed)
		}
		return fmt.Sprintf("Replay: %s", c.Replay)
	case c.URL != "":
		return fmt.Sprintf("WebSocket: %s", c.URL)
	default:
		return fmt.Sprintf("Serial: %s @ %d baud", c.Port, c.Baud)
	}
}

// OpenConnection opens a replay, WebSocket or serial connection based on the
// configuration
func OpenConnection() (Connection, string, error) {
	c := cfg.Connection

	if c.Replay != "" {
		conn, err := OpenReplayConnection(c.Replay, c.Realtime, c.ReplaySpeed)
		if err != nil {
			return nil, "", err
		}
		return conn, describeConnection(), nil
	}

	if c.URL != "" {
		// WebSocket mode
		password := ""
		if c.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(c.URL, c.Username, password, c.NoSSLVerify, c.ReadTimeout)
		if err != nil {
			return nil, "", err
		}
		return conn, describeConnection(), nil
	}

	if c.Port != "" {
		// Serial mode
		name := c.Port
		if name == autoPort {
			var err error
			name, err = FindIOLabPort()
			if err != nil {
				return nil, "", err
			}
			cfg.Connection.Port = name
		}

		conn, err := OpenSerialConnection(name, c.Baud, c.ReadTimeout)
		if err != nil {
			return nil, "", err
		}
		return conn, describeConnection(), nil
	}

	return nil, "", fmt.Errorf("one of --port, --url or --replay must be specified")
}

// captureSegments counts the captures opened by this process
var captureSegments atomic.Int32

// segmentPath names the nth capture of a process. Reconnections write new
// segments instead of truncating the first capture.
func segmentPath(path string, n int) string {
	if n == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// captureOpener opens the configured connection and, when a capture path
// is set, records it under the pipeline's session id. Replays are never
// recaptured.
func captureOpener(logger *slog.Logger, session string) pipeline.Opener {
	return func() (pipeline.Transport, error) {
		conn, info, err := OpenConnection()
		if err != nil {
			return nil, err
		}

		path := cfg.Capture.Path
		if path == "" || cfg.Connection.Replay != "" {
			return conn, nil
		}

		path = segmentPath(path, int(captureSegments.Add(1))-1)
		w, err := capture.Create(path, capture.Header{Session: session, Source: info})
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info("capturing session", "path", path, "session", w.Header().Session)
		return capture.NewTee(conn, w, logger), nil
	}
}
