package ws

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer bounds the events queued for one subscriber.
	sendBuffer = 64
)

// ErrSlowSubscriber is returned by Send when a subscriber's queue is full.
var ErrSlowSubscriber = errors.New("subscriber queue full")

// Client represents a websocket client connection. Sends are queued and
// written by a dedicated goroutine so a slow peer never blocks the hub.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client wrapper and starts its writer.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues a message for the websocket connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Ping writes a control frame to keep intermediaries from timing out.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
