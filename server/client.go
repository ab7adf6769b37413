package server

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

const sendBuffer = 256

// Client is one registered connection: the transport plus the identity
// the engine bound to it at join time.
type Client struct {
	ID         string
	UserID     string
	DocumentID string

	transport Transport
	send      chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(t Transport) *Client {
	return &Client{
		ID:        xid.New().String(),
		transport: t,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// trySend queues a message for the write pump without blocking. A full
// buffer or a shut-down client reports failure; the caller treats the
// connection as dead.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// shutdown stops the write pump and closes the transport, unblocking a
// pending Read.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// writePump drains the send queue to the transport and keeps the
// heartbeat going. It owns all writes except close frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.transport.Write(data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
