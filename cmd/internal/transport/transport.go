// Package transport provides the bidirectional event channel used by the sync engine.
//
// Two implementations share one reconnecting WebSocket core:
//   - Legacy speaks line frames ("<TAG>OK{json}") and correlates calls by distinct tag.
//   - Structured speaks JSON envelopes and correlates calls by envelope id (reply_to).
//
// Inbound events are dispatched serially on the connection's read goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatsync/cmd/internal/metrics"
)

var (
	// ErrUnavailable is returned when the socket is not open. Sends never queue.
	ErrUnavailable = errors.New("transport: unavailable")

	// ErrTimeout is returned when no reply arrives within the call timeout.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Event is one inbound named event. Synthetic local events (connect, disconnect,
// connect_error) use the same shape.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("transport: empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Reply is the answer to a Call. OK is false for an explicit negative response.
type Reply struct {
	OK      bool
	Message string
	Payload json.RawMessage
}

// Handler receives inbound events. It runs on the read goroutine: it may Emit but
// must not Call or Close, since both wait on that goroutine.
type Handler func(Event)

// Transport is the contract shared by the session verifier, the presence tracker and
// the conversation synchronizer.
type Transport interface {
	// Connect opens the socket. On failure it returns an error wrapping ErrUnavailable
	// and keeps reconnecting in the background.
	Connect(ctx context.Context) error
	// Emit sends a fire-and-forget event.
	Emit(ctx context.Context, event string, payload any) error
	// Call sends a correlated request and waits for its reply, the call timeout,
	// ctx cancellation or a disconnect, whichever comes first.
	Call(ctx context.Context, op string, payload any) (Reply, error)
	// Subscribe registers h for every inbound event and returns its removal func.
	Subscribe(h Handler) func()
	// Connected reports whether the socket is currently open.
	Connected() bool
	// Close stops reconnection and fails pending calls with ErrClosed.
	Close() error
}

// Options configures a transport. Zero values take defaults; a negative
// HeartbeatInterval disables pings.
type Options struct {
	URL    string
	Origin string
	Header http.Header

	HTTPClient *http.Client

	CallTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	ReadLimit int64

	Log     *slog.Logger
	Metrics *metrics.Sync
}

const (
	defaultCallTimeout       = 10 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultReconnectBase     = 500 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
	defaultReadLimit         = 1 << 20

	maxPingFailures = 3
)

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = defaultReconnectBase
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = defaultReconnectMax
		if o.ReconnectMax < o.ReconnectBase {
			o.ReconnectMax = o.ReconnectBase
		}
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Log == nil {
		o.Log = slog.New(slog.DiscardHandler)
	}
	return o
}
