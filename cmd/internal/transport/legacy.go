package transport

import (
	"fmt"
	"sync"

	"chatsync/cmd/internal/legacy"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Legacy is the line frame transport. Every operation answers on its own tag,
// so calls are correlated FIFO per tag.
type Legacy struct {
	*socket
	codec *legacyCodec
}

var _ Transport = (*Legacy)(nil)

// NewLegacy constructs a Legacy transport; call Connect to open it.
func NewLegacy(opts Options) *Legacy {
	c := &legacyCodec{frames: legacy.NewResponseCodec()}
	return &Legacy{socket: newSocket(opts, c), codec: c}
}

// SetToken sets the session token carried as the first argument of every non-auth frame.
func (l *Legacy) SetToken(token string) {
	l.codec.mu.Lock()
	l.codec.token = token
	l.codec.mu.Unlock()
}

type legacyCodec struct {
	frames *legacy.Codec

	mu    sync.Mutex
	token string
}

func (*legacyCodec) name() string        { return "legacy" }
func (*legacyCodec) subprotocol() string { return v1.SubprotocolFrames }

func (c *legacyCodec) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *legacyCodec) encodeEvent(event string, payload any) ([]byte, error) {
	frame, err := legacy.EncodeRequest(event, c.sessionToken(), payload)
	if err != nil {
		return nil, err
	}
	return []byte(frame), nil
}

func (c *legacyCodec) encodeCall(op string, payload any) (string, []byte, error) {
	if !v1.IsCall(op) {
		return "", nil, fmt.Errorf("transport: %q is not a call", op)
	}
	tag, ok := legacy.ResponseTag(op)
	if !ok {
		return "", nil, fmt.Errorf("transport: no response tag for %q", op)
	}
	frame, err := legacy.EncodeRequest(op, c.sessionToken(), payload)
	if err != nil {
		return "", nil, err
	}
	return tag, []byte(frame), nil
}

func (c *legacyCodec) decode(data []byte) (inbound, error) {
	f, err := c.frames.Decode(string(data))
	if err != nil {
		return inbound{}, err
	}
	event, _ := legacy.EventForTag(f.Tag)

	if v1.IsCall(event) {
		return inbound{isReply: true, replyKey: f.Tag, reply: replyFromResult(f.Payload, f.OK)}, nil
	}
	if !f.OK {
		return inbound{event: Event{Name: v1.EventError, Payload: f.Payload}}, nil
	}
	return inbound{event: Event{Name: event, Payload: f.Payload}}, nil
}
