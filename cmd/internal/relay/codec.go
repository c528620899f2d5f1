package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/legacy"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// frameError is a decode failure the connection survives; Code is reported to the client.
type frameError struct {
	Code string
	Err  error
}

func (e *frameError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *frameError) Unwrap() error { return e.Err }

// wireCodec translates between one wire protocol and Inbound/Outbound.
type wireCodec interface {
	name() string
	subprotocol() string
	decode(data []byte) (Inbound, error)
	encode(out Outbound, now time.Time) ([]byte, error)
}

// ---- structured (JSON envelopes) ----

type structuredCodec struct{}

func (structuredCodec) name() string        { return "structured" }
func (structuredCodec) subprotocol() string { return v1.SubprotocolEvents }

func (structuredCodec) decode(data []byte) (Inbound, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, &frameError{Code: "bad_json", Err: err}
	}
	if err := env.Validate(); err != nil {
		return Inbound{}, &frameError{Code: "bad_envelope", Err: err}
	}
	return Inbound{Type: env.Type, ID: env.ID, Payload: env.Payload}, nil
}

func (structuredCodec) encode(out Outbound, now time.Time) ([]byte, error) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    out.Type,
		ID:      ids.New(),
		ReplyTo: out.ReplyTo,
		TS:      now,
	}
	if out.Payload != nil {
		b, err := json.Marshal(out.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", out.Type, err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// ---- legacy (tagged line frames) ----

type legacyCodec struct{}

func (legacyCodec) name() string        { return "legacy" }
func (legacyCodec) subprotocol() string { return v1.SubprotocolFrames }

func (legacyCodec) decode(data []byte) (Inbound, error) {
	req, err := legacy.DecodeRequest(string(data))
	if err != nil {
		code := "bad_frame"
		if errors.Is(err, legacy.ErrUnknownTag) {
			code = "unsupported"
		}
		return Inbound{}, &frameError{Code: code, Err: err}
	}
	return Inbound{Type: req.Event, Token: req.Token, Payload: req.Payload}, nil
}

func (legacyCodec) encode(out Outbound, _ time.Time) ([]byte, error) {
	event := out.Type
	if event == v1.TypeReply {
		event = out.Op
	}
	frame, err := legacy.EncodeEvent(event, out.OK, out.Payload)
	if err != nil {
		return nil, err
	}
	return []byte(frame), nil
}
