package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// wireCodec is the protocol-specific half of a transport.
type wireCodec interface {
	name() string
	subprotocol() string
	encodeEvent(event string, payload any) ([]byte, error)
	// encodeCall returns the pending-map key the reply will be matched on.
	encodeCall(op string, payload any) (string, []byte, error)
	decode(data []byte) (inbound, error)
}

type inbound struct {
	event    Event
	isReply  bool
	replyKey string
	reply    Reply
}

type callResult struct {
	reply Reply
	err   error
}

// pendingCall is one outstanding request awaiting its reply.
type pendingCall struct {
	op       string
	issuedAt time.Time
	done     chan callResult
}

// socket owns one WebSocket connection at a time and reconnects it with backoff.
type socket struct {
	opts  Options
	codec wireCodec
	log   *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	subs    map[uint64]Handler
	nextSub uint64
	pending map[string][]*pendingCall
}

func newSocket(opts Options, codec wireCodec) *socket {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		opts:      opts,
		codec:     codec,
		log:       opts.Log.With("transport", codec.name()),
		runCtx:    ctx,
		runCancel: cancel,
		subs:      make(map[uint64]Handler),
		pending:   make(map[string][]*pendingCall),
	}
}

// Connect dials once. Reconnection continues in the background whatever the outcome.
func (s *socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err == nil {
		s.setConn(conn)
	}

	s.wg.Add(1)
	go s.run(conn, err)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Connected reports whether a connection is currently attached.
func (s *socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Subscribe registers h and returns a func that removes it.
func (s *socket) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Emit writes one event. It fails fast with ErrUnavailable when disconnected.
func (s *socket) Emit(ctx context.Context, event string, payload any) error {
	conn := s.current()
	if conn == nil {
		return ErrUnavailable
	}
	data, err := s.codec.encodeEvent(event, payload)
	if err != nil {
		return err
	}
	if err := s.write(ctx, conn, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Call writes one request and waits for the matching reply.
// Every call resolves exactly once: reply, timeout, ctx, disconnect or close.
func (s *socket) Call(ctx context.Context, op string, payload any) (Reply, error) {
	conn := s.current()
	if conn == nil {
		return Reply{}, ErrUnavailable
	}
	key, data, err := s.codec.encodeCall(op, payload)
	if err != nil {
		return Reply{}, err
	}

	pc := &pendingCall{op: op, issuedAt: time.Now(), done: make(chan callResult, 1)}
	s.addPending(key, pc)

	if err := s.write(ctx, conn, data); err != nil {
		s.removePending(key, pc)
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t := time.NewTimer(s.opts.CallTimeout)
	defer t.Stop()

	select {
	case res := <-pc.done:
		return res.reply, res.err
	case <-t.C:
		s.removePending(key, pc)
		s.log.Info("transport.call.timeout", "op", op, "after", s.opts.CallTimeout)
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		s.removePending(key, pc)
		return Reply{}, ctx.Err()
	}
}

// Close stops the socket and waits for its goroutines. It must not be called from a Handler.
func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.runCancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	s.wg.Wait()
	s.failPending(ErrClosed)
	return nil
}

// ---- connection lifecycle ----

func (s *socket) run(conn *websocket.Conn, firstErr error) {
	defer s.wg.Done()

	if firstErr != nil {
		s.log.Info("transport.connect.fail", "err", firstErr)
		s.dispatch(connectErrorEvent(firstErr))
	}

	for {
		if conn == nil {
			conn = s.redial()
			if conn == nil {
				return
			}
			s.setConn(conn)
		}

		s.serve(conn)
		conn = nil

		if s.runCtx.Err() != nil {
			return
		}
	}
}

// serve runs the heartbeat and the read loop until the connection drops.
func (s *socket) serve(conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(s.runCtx)

	s.log.Info("transport.connect")
	s.dispatch(Event{Name: v1.EventConnect})

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(connCtx, conn)
	}()

	err := s.readLoop(connCtx, conn)
	cancel()
	<-hbDone

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()

	_ = conn.CloseNow()

	if closed {
		s.failPending(ErrClosed)
	} else {
		s.failPending(ErrUnavailable)
	}

	s.log.Info("transport.disconnect", "close_status", websocket.CloseStatus(err), "err", err)
	s.dispatch(Event{Name: v1.EventDisconnect, Payload: reasonPayload(err)})
}

func (s *socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		in, err := s.codec.decode(data)
		if err != nil {
			s.log.Info("transport.decode.fail", "err", err)
			s.opts.Metrics.DecodeError(s.codec.name())
			continue
		}

		if in.isReply {
			if !s.resolve(in.replyKey, callResult{reply: in.reply}) {
				s.log.Info("transport.reply.orphan", "key", in.replyKey)
			}
			continue
		}
		s.dispatch(in.event)
	}
}

func (s *socket) heartbeat(ctx context.Context, conn *websocket.Conn) {
	if s.opts.HeartbeatInterval < 0 {
		return
	}
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.opts.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				s.log.Info("transport.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// redial waits one base delay, then retries with capped exponential backoff and jitter.
// It returns nil only when the socket is closed.
func (s *socket) redial() *websocket.Conn {
	t := time.NewTimer(s.opts.ReconnectBase)
	select {
	case <-s.runCtx.Done():
		t.Stop()
		return nil
	case <-t.C:
	}

	b := retry.NewExponential(s.opts.ReconnectBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(s.opts.ReconnectMax, b)

	attempt := 0
	conn, err := retry.DoValue(s.runCtx, b, func(ctx context.Context) (*websocket.Conn, error) {
		attempt++
		c, err := s.dial(ctx)
		if err != nil {
			s.opts.Metrics.Reconnect(s.codec.name(), "fail")
			s.log.Info("transport.reconnect.fail", "attempt", attempt, "err", err)
			s.dispatch(connectErrorEvent(err))
			return nil, retry.RetryableError(err)
		}
		return c, nil
	})
	if err != nil {
		return nil
	}

	s.opts.Metrics.Reconnect(s.codec.name(), "ok")
	s.log.Info("transport.reconnect", "attempts", attempt)
	return conn
}

func (s *socket) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	h := http.Header{}
	for k, vs := range s.opts.Header {
		h[k] = append([]string(nil), vs...)
	}
	if strings.TrimSpace(s.opts.Origin) != "" {
		h.Set("Origin", s.opts.Origin)
	}

	sp := s.codec.subprotocol()
	conn, resp, err := websocket.Dial(ctx, s.opts.URL, &websocket.DialOptions{
		HTTPClient:   s.opts.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{sp},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if got := conn.Subprotocol(); got != sp {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", got, sp)
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	return conn, nil
}

func (s *socket) write(parent context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(parent, s.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- state helpers ----

func (s *socket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn
}

func (s *socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *socket) dispatch(ev Event) {
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

func (s *socket) addPending(key string, pc *pendingCall) {
	s.mu.Lock()
	s.pending[key] = append(s.pending[key], pc)
	s.mu.Unlock()
}

func (s *socket) removePending(key string, pc *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[key]
	for i, p := range q {
		if p == pc {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(s.pending, key)
		return
	}
	s.pending[key] = q
}

// resolve hands res to the oldest call waiting on key.
func (s *socket) resolve(key string, res callResult) bool {
	s.mu.Lock()
	q := s.pending[key]
	if len(q) == 0 {
		s.mu.Unlock()
		return false
	}
	pc := q[0]
	if len(q) == 1 {
		delete(s.pending, key)
	} else {
		s.pending[key] = q[1:]
	}
	s.mu.Unlock()

	pc.done <- res
	return true
}

func (s *socket) failPending(err error) {
	s.mu.Lock()
	all := s.pending
	s.pending = make(map[string][]*pendingCall)
	s.mu.Unlock()

	for _, q := range all {
		for _, pc := range q {
			pc.done <- callResult{err: err}
		}
	}
}

func connectErrorEvent(err error) Event {
	return Event{Name: v1.EventConnectError, Payload: reasonPayload(err)}
}

func reasonPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	b, _ := json.Marshal(v1.ErrorPayload{Code: "transport", Message: err.Error()})
	return b
}

// replyFromResult builds a Reply from a payload carrying {success, message}.
func replyFromResult(payload json.RawMessage, ok bool) Reply {
	r := Reply{OK: ok, Payload: payload}
	var res v1.Result
	if len(payload) > 0 && json.Unmarshal(payload, &res) == nil {
		r.Message = res.Message
	}
	return r
}
