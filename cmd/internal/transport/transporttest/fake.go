// Package transporttest provides an in-memory Transport for component tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Sent is one recorded Emit or Call.
type Sent struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the recorded payload into v.
func (s Sent) Decode(v any) error { return json.Unmarshal(s.Payload, v) }

// Fake is a Transport whose outbound traffic is recorded and whose inbound traffic
// is injected with Deliver. It starts connected.
type Fake struct {
	// CallFunc answers Call. When nil, calls fail with transport.ErrTimeout.
	CallFunc func(ctx context.Context, op string, payload any) (transport.Reply, error)
	// EmitErr, when set, is returned by every Emit after recording it.
	EmitErr error

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[int]transport.Handler
	nextSub   int
	emits     []Sent
	calls     []Sent
}

var _ transport.Transport = (*Fake)(nil)

// NewFake returns a connected Fake.
func NewFake() *Fake {
	return &Fake{connected: true, subs: make(map[int]transport.Handler)}
}

func (f *Fake) Connect(_ context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.connected = true
	f.mu.Unlock()
	f.Deliver(v1.EventConnect, nil)
	return nil
}

func (f *Fake) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	if !f.connected || f.closed {
		f.mu.Unlock()
		return transport.ErrUnavailable
	}
	f.emits = append(f.emits, Sent{Name: event, Payload: mustJSON(payload)})
	err := f.EmitErr
	f.mu.Unlock()
	return err
}

func (f *Fake) Call(ctx context.Context, op string, payload any) (transport.Reply, error) {
	f.mu.Lock()
	if !f.connected || f.closed {
		f.mu.Unlock()
		return transport.Reply{}, transport.ErrUnavailable
	}
	f.calls = append(f.calls, Sent{Name: op, Payload: mustJSON(payload)})
	fn := f.CallFunc
	f.mu.Unlock()

	if fn == nil {
		return transport.Reply{}, transport.ErrTimeout
	}
	return fn(ctx, op, payload)
}

func (f *Fake) Subscribe(h transport.Handler) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

// SetConnected flips the connection state without emitting events.
func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Deliver dispatches an inbound event to every subscriber on the calling goroutine.
func (f *Fake) Deliver(name string, payload any) {
	ev := transport.Event{Name: name}
	if payload != nil {
		ev.Payload = mustJSON(payload)
	}

	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.subs))
	for _, h := range f.subs {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// Emitted returns every recorded Emit, optionally filtered by event name.
func (f *Fake) Emitted(names ...string) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.emits, names)
}

// Calls returns every recorded Call, optionally filtered by operation.
func (f *Fake) Calls(names ...string) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.calls, names)
}

// ResetRecorded forgets recorded traffic.
func (f *Fake) ResetRecorded() {
	f.mu.Lock()
	f.emits = nil
	f.calls = nil
	f.mu.Unlock()
}

func filter(in []Sent, names []string) []Sent {
	out := make([]Sent, 0, len(in))
	for _, s := range in {
		if len(names) == 0 {
			out = append(out, s)
			continue
		}
		for _, n := range names {
			if s.Name == n {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
