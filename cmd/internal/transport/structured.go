package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/cmd/internal/ids"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Structured is the JSON envelope transport. Calls are correlated by envelope id.
type Structured struct {
	*socket
}

var _ Transport = (*Structured)(nil)

// NewStructured constructs a Structured transport; call Connect to open it.
func NewStructured(opts Options) *Structured {
	return &Structured{socket: newSocket(opts, structuredCodec{})}
}

type structuredCodec struct{}

func (structuredCodec) name() string        { return "structured" }
func (structuredCodec) subprotocol() string { return v1.SubprotocolEvents }

func (structuredCodec) encodeEvent(event string, payload any) ([]byte, error) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (structuredCodec) encodeCall(op string, payload any) (string, []byte, error) {
	if !v1.IsCall(op) {
		return "", nil, fmt.Errorf("transport: %q is not a call", op)
	}
	env, err := newEnvelope(op, payload)
	if err != nil {
		return "", nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", nil, err
	}
	return env.ID, b, nil
}

func (structuredCodec) decode(data []byte) (inbound, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return inbound{}, fmt.Errorf("transport: bad envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return inbound{}, fmt.Errorf("transport: bad envelope: %w", err)
	}

	if env.Type == v1.TypeReply {
		var res v1.Result
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				return inbound{}, fmt.Errorf("transport: bad reply payload: %w", err)
			}
		}
		return inbound{
			isReply:  true,
			replyKey: env.ReplyTo,
			reply:    replyFromResult(env.Payload, res.Success),
		}, nil
	}
	return inbound{event: Event{Name: env.Type, Payload: env.Payload}}, nil
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("transport: encode %s: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}
