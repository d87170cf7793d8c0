package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. The hub
// only queues payloads; the goroutine owning the response drains Messages and
// writes them.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	queue   chan []byte
	closed  bool
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger, queue: make(chan []byte, sendBuffer)}
}

// Send queues payload for the stream owner.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Messages yields queued payloads.
func (c *SSEClient) Messages() <-chan []byte {
	return c.queue
}

// WriteEvent emits a data event to the SSE stream.
func (c *SSEClient) WriteEvent(payload []byte) error {
	return c.write(fmt.Sprintf("data: %s\n\n", payload))
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
