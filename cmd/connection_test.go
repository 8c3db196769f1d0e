// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

// wsServer starts a bridge that runs serve on every upgraded connection
func wsServer(t *testing.T, serve func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readUntil reads until n bytes arrive or the connection reports an error
func readUntil(t *testing.T, c Connection, n int) ([]byte, error) {
	t.Helper()
	var got []byte
	buf := make([]byte, 2)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		m, err := c.Read(buf)
		got = append(got, buf[:m]...)
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

func TestWebSocketConnection_ReadWrite(t *testing.T) {
	received := make(chan []byte, 1)
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{4, 5})

		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	})

	c, err := OpenWebSocketConnection(url, "", "", false, 20*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	got, err := readUntil(t, c, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)

	n, err := c.Write([]byte{0x02, 0x14, 0x00, 0x0A})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	select {
	case data := <-received:
		assert.Equal(t, []byte{0x02, 0x14, 0x00, 0x0A}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received the write")
	}

	_, err = readUntil(t, c, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, errors.Is(err, pipeline.ErrTransportClosed))
}

func TestWebSocketConnection_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-release
	})
	defer close(release)

	c, err := OpenWebSocketConnection(url, "", "", false, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	n, err := c.Read(make([]byte, 16))
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWebSocketConnection_ReadAfterClose(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-release
	})
	defer close(release)

	c, err := OpenWebSocketConnection(url, "", "", false, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.Read(make([]byte, 16))
	assert.ErrorIs(t, err, pipeline.ErrTransportClosed)
}

func TestOpenWebSocketConnection_BasicAuth(t *testing.T) {
	auth := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	})

	c, err := OpenWebSocketConnection(url, "admin", "secret", false, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	assert.Equal(t, want, <-auth)
}

func TestOpenWebSocketConnection_BadScheme(t *testing.T) {
	_, err := OpenWebSocketConnection("http://localhost/ws", "", "", false, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestIOLabPorts(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "5740", Product: "IOLab Dongle"},
		{Name: "/dev/ttyUSB0", IsUSB: true, Product: "FT232R USB UART"},
		{Name: "/dev/ttyACM1", IsUSB: true, Product: "IOLab"},
		{Name: "/dev/ttyS1", Product: "IOLab"},
	}

	found := iolabPorts(ports)
	require.Len(t, found, 2)
	assert.Equal(t, "/dev/ttyACM0", found[0].Name)
	assert.Equal(t, "/dev/ttyACM1", found[1].Name)

	assert.Empty(t, iolabPorts(nil))
}

func TestFormatPort(t *testing.T) {
	usb := &enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "5740", Product: "IOLab Dongle", SerialNumber: "A1"}
	out := formatPort(usb, true)
	assert.True(t, strings.HasPrefix(out, "* /dev/ttyACM0\n"))
	assert.Contains(t, out, "USB ID: 0483:5740")
	assert.Contains(t, out, "Product: IOLab Dongle")
	assert.Contains(t, out, "Serial: A1")

	assert.Equal(t, "  /dev/ttyS0\n", formatPort(&enumerator.PortDetails{Name: "/dev/ttyS0"}, false))
}

func TestSegmentPath(t *testing.T) {
	tests := []struct {
		path string
		n    int
		want string
	}{
		{"session.iolab", 0, "session.iolab"},
		{"session.iolab", 1, "session.1.iolab"},
		{"/tmp/run.cap", 3, "/tmp/run.3.cap"},
		{"capture", 2, "capture.2"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, segmentPath(tt.path, tt.n), "%s #%d", tt.path, tt.n)
	}
}

func TestDescribeConnection(t *testing.T) {
	saved := *cfg
	defer func() { *cfg = saved }()

	cfg.Connection.Port = "/dev/ttyACM0"
	cfg.Connection.Baud = 115200
	assert.Equal(t, "Serial: /dev/ttyACM0 @ 115200 baud", describeConnection())

	cfg.Connection.URL = "ws://bridge/iolab"
	assert.Equal(t, "WebSocket: ws://bridge/iolab", describeConnection())

	cfg.Connection.Replay = "run.iolab"
	assert.Equal(t, "Replay: run.iolab", describeConnection())

	cfg.Connection.Realtime = true
	cfg.Connection.ReplaySpeed = 2
	assert.Equal(t, "Replay: run.iolab (realtime x2)", describeConnection())
}
