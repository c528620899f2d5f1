package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// State is the verification state of the current token.
type State int

const (
	StateUnverified State = iota
	StateVerifying
	StateConfirmed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerifying:
		return "verifying"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Verifier owns token validity. At most one verification is in flight at a time.
type Verifier struct {
	t       transport.Transport
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Sync
	now     func() time.Time

	refreshes singleflight.Group

	mu         sync.Mutex
	state      State
	inFlight   bool
	valid      bool
	lastToken  string
	lastAt     time.Time
	lastErr    error
	generation uint64
}

// Option configures a Verifier or a Manager.
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *metrics.Sync
	now     func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Sync) Option { return func(o *options) { o.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// NewVerifier returns a Verifier issuing its requests on t.
func NewVerifier(t transport.Transport, cfg Config, opts ...Option) *Verifier {
	o := buildOptions(opts)
	return &Verifier{
		t:       t,
		cfg:     cfg.withDefaults(),
		log:     o.log,
		metrics: o.metrics,
		now:     o.now,
	}
}

// State returns the current verification state.
func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Valid returns the last known validity.
func (v *Verifier) Valid() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.valid
}

// Reset forgets every cached result. Results of requests still in flight are discarded.
func (v *Verifier) Reset() {
	v.mu.Lock()
	v.state = StateUnverified
	v.inFlight = false
	v.valid = false
	v.lastToken = ""
	v.lastAt = time.Time{}
	v.lastErr = nil
	v.generation++
	v.mu.Unlock()
}

// Verify confirms token with the authority.
//
// While another verification is in flight it returns the cached validity without a request.
// A result for the same token younger than the freshness window is reused. Timeouts and
// transport errors are retried; an explicit negative reply returns ErrRejected at once.
// When every attempt fails the token is accepted if it is not locally expired (fail open),
// otherwise Verify returns false and ErrUnconfirmed.
func (v *Verifier) Verify(ctx context.Context, token string) (bool, error) {
	v.mu.Lock()
	if v.inFlight {
		valid := v.valid
		v.mu.Unlock()
		v.metrics.VerifyOutcome("inflight")
		return valid, nil
	}
	if v.freshLocked(token) {
		valid, err := v.valid, v.lastErr
		v.mu.Unlock()
		v.metrics.VerifyOutcome("cached")
		return valid, err
	}
	prev := v.state
	gen := v.begin()
	v.mu.Unlock()

	reply, err := v.call(ctx, v1.OpVerifyToken, token)

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		return false, ErrUnconfirmed
	}
	v.inFlight = false

	switch {
	case err == nil && reply.OK:
		v.settleLocked(token, StateConfirmed, true, nil)
		v.metrics.VerifyOutcome("confirmed")
		return true, nil

	case err == nil:
		rerr := rejection(reply)
		v.settleLocked(token, StateRejected, false, rerr)
		v.metrics.VerifyOutcome("rejected")
		v.log.Warn("session.verify.rejected", "reason", reply.Message)
		return false, rerr

	case ctx.Err() != nil:
		v.state = prev
		return v.valid, err
	}

	if s, derr := DecodeToken(token); derr == nil && !s.Expired(v.now()) {
		// Fail open: the token stays usable although the authority never answered.
		v.settleLocked(token, prev, true, nil)
		v.metrics.VerifyOutcome("fail_open")
		v.log.Warn("session.verify.fail_open", "user_id", s.UserID, "err", err)
		return true, nil
	}

	uerr := fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	v.settleLocked(token, StateUnverified, false, uerr)
	v.metrics.VerifyOutcome("unconfirmed")
	v.log.Warn("session.verify.unconfirmed", "err", err)
	return false, uerr
}

// Recheck re-confirms token in the background. It refreshes the freshness window on
// success and otherwise only logs: validity is never changed here.
func (v *Verifier) Recheck(ctx context.Context, token string) error {
	v.mu.Lock()
	if v.inFlight {
		v.mu.Unlock()
		return nil
	}
	prev := v.state
	gen := v.begin()
	v.mu.Unlock()

	reply, err := v.call(ctx, v1.OpVerifyToken, token)

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		return nil
	}
	v.inFlight = false
	v.state = prev

	switch {
	case err != nil:
		v.log.Info("session.recheck.fail", "err", err)
		return err
	case !reply.OK:
		v.log.Warn("session.recheck.rejected", "reason", reply.Message)
		return rejection(reply)
	}
	if v.valid && v.lastToken == token {
		v.state = StateConfirmed
		v.lastAt = v.now()
	}
	v.log.Debug("session.recheck.ok")
	return nil
}

// Refresh exchanges token for a replacement. Concurrent refreshes of the same token share
// one request. There is no fail-open: on any terminal failure it returns "" and an error.
func (v *Verifier) Refresh(ctx context.Context, token string) (string, error) {
	out, err, shared := v.refreshes.Do(token, func() (any, error) {
		return v.refresh(ctx, token)
	})
	if shared {
		v.metrics.RefreshOutcome("shared")
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (v *Verifier) refresh(ctx context.Context, token string) (string, error) {
	v.mu.Lock()
	gen := v.generation
	v.mu.Unlock()

	reply, err := v.call(ctx, v1.OpRefreshToken, token)
	if err != nil {
		v.metrics.RefreshOutcome("fail")
		v.log.Warn("session.refresh.fail", "err", err)
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		return "", ErrUnconfirmed
	}

	if !reply.OK {
		rerr := rejection(reply)
		v.settleLocked(token, StateRejected, false, rerr)
		v.metrics.RefreshOutcome("rejected")
		v.log.Warn("session.refresh.rejected", "reason", reply.Message)
		return "", rerr
	}

	var tr v1.TokenReply
	if len(reply.Payload) == 0 || json.Unmarshal(reply.Payload, &tr) != nil || tr.Token == "" {
		v.metrics.RefreshOutcome("fail")
		return "", fmt.Errorf("%w: reply carries no token", ErrUnconfirmed)
	}

	v.settleLocked(tr.Token, StateConfirmed, true, nil)
	v.metrics.RefreshOutcome("ok")
	v.log.Info("session.refresh.ok")
	return tr.Token, nil
}

// call runs op with a per-attempt timeout, retrying transport failures at a constant delay.
func (v *Verifier) call(ctx context.Context, op, token string) (transport.Reply, error) {
	b := retry.WithMaxRetries(uint64(v.cfg.MaxRetries), retry.NewConstant(v.cfg.RetryDelay))

	attempt := 0
	return retry.DoValue(ctx, b, func(ctx context.Context) (transport.Reply, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
		defer cancel()

		reply, err := v.t.Call(callCtx, op, v1.TokenPayload{Token: token})
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return transport.Reply{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = transport.ErrTimeout
		}
		v.log.Info("session.call.retry", "op", op, "attempt", attempt, "err", err)
		return transport.Reply{}, retry.RetryableError(err)
	})
}

func (v *Verifier) freshLocked(token string) bool {
	if v.lastAt.IsZero() || token != v.lastToken {
		return false
	}
	return v.now().Sub(v.lastAt) < v.cfg.Freshness
}

func (v *Verifier) begin() uint64 {
	v.inFlight = true
	v.state = StateVerifying
	return v.generation
}

func (v *Verifier) settleLocked(token string, st State, valid bool, err error) {
	v.state = st
	v.valid = valid
	v.lastToken = token
	v.lastAt = v.now()
	v.lastErr = err
}

func rejection(r transport.Reply) error {
	if r.Message == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, r.Message)
}
