package relay

import "sync"

// Outbound is one event queued for a connection. The gateway's wire codec renders it.
//
// Replies to correlated operations use Type v1.TypeReply with Op and ReplyTo set.
// OK is false for error events and negative replies.
type Outbound struct {
	Type    string
	Op      string
	ReplyTo string
	OK      bool
	Payload any
}

// Client represents one connected websocket session.
//
// Send is never closed by the server, so concurrent senders cannot panic; done tells
// goroutines to stop. UserID is set once on register and is owned by the read loop.
type Client struct {
	SessionID string
	Protocol  string
	UserID    string
	Send      chan Outbound

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, protocol string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Protocol:  protocol,
		Send:      make(chan Outbound, sendQueueSize),
		done:      make(chan struct{}),
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
// It does NOT close Send to keep fanout safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues out without blocking. It reports false when the queue is full or the
// client is shutting down.
func (c *Client) offer(out Outbound) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- out:
		return true
	default:
		return false
	}
}
