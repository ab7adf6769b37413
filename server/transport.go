package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512 * 1024
)

// ErrConnClosed is the distinguished "connection is gone" result. The
// engine's loop checks for it instead of sniffing transport exception
// types, so teardown runs on every exit path: clean close, abnormal
// close and heartbeat timeout all surface as this error.
var ErrConnClosed = errors.New("connection closed")

// Transport is a message-oriented duplex connection to one client.
type Transport interface {
	// Read blocks for the next inbound message. It returns an error
	// wrapping ErrConnClosed once the peer is gone.
	Read() ([]byte, error)
	Write(data []byte) error
	Ping() error
	// CloseWithCode sends a close frame with an application code and
	// reason, then closes.
	CloseWithCode(code int, reason string) error
	Close() error
}

// wsTransport adapts a gorilla websocket connection to Transport,
// folding the various disconnect shapes into ErrConnClosed.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return newWSTransportTimeout(conn, pongWait)
}

// newWSTransportTimeout lets tests shrink the heartbeat deadline.
func newWSTransportTimeout(conn *websocket.Conn, readWait time.Duration) *wsTransport {
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Heartbeat timed out; the client is presumed dead.
			return nil, fmt.Errorf("read deadline exceeded: %w", ErrConnClosed)
		}
		return nil, fmt.Errorf("%v: %w", err, ErrConnClosed)
	}
	return data, nil
}

func (t *wsTransport) Write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) CloseWithCode(code int, reason string) error {
	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()
	return t.Close()
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close()
	})
	return err
}
