package realtime

import (
	"sync"

	v1 "chatroomz/shared/contracts/realtime/v1"
)

// Client is the outbound side of one transport connection.
//
// Notes:
//   - Send is never closed by the server, so a broadcaster holding a stale pointer cannot panic.
//   - done is closed exactly once by Close and tells the writer goroutine to stop.
type Client struct {
	ConnectionID string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// deliver enqueues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) deliver(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
