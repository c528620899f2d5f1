// Package presence tracks online state and last-seen time of peers.
//
// Presence is push-only: the tracker never polls. A peer absent from the map is unknown,
// not offline.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// ErrNoPeer is returned when a status request names no user.
var ErrNoPeer = errors.New("presence: empty user id")

// Peer is the presence of one user. LastSeen is zero when unknown.
type Peer struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Tracker maintains the presence map from inbound events.
type Tracker struct {
	t   transport.Transport
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	peers    map[string]Peer
	known    map[string]struct{}
	onChange func(Peer)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tr *Tracker) {
		if l != nil {
			tr.log = l
		}
	}
}

// WithClock overrides time.Now, used when an offline event carries no lastSeen.
func WithClock(now func() time.Time) Option { return func(tr *Tracker) { tr.now = now } }

// WithChangeHandler registers h, called after each peer update outside the lock.
func WithChangeHandler(h func(Peer)) Option { return func(tr *Tracker) { tr.onChange = h } }

// New returns a Tracker that queries presence over t.
func New(t transport.Transport, opts ...Option) *Tracker {
	tr := &Tracker{
		t:     t,
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
		peers: make(map[string]Peer),
		known: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(tr)
	}
	return tr
}

// RequestBulkStatus asks for the presence of every id in one request.
// Ids are deduplicated and sorted; an empty set sends nothing.
func (tr *Tracker) RequestBulkStatus(ctx context.Context, ids []string) error {
	set := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			set = append(set, id)
		}
	}
	slices.Sort(set)
	set = slices.Compact(set)
	if len(set) == 0 {
		return nil
	}

	tr.remember(set...)
	return tr.t.Emit(ctx, v1.EventGetUsersStatus, v1.UsersStatusRequest{UserIDs: set})
}

// RequestStatus asks for the presence of one peer.
func (tr *Tracker) RequestStatus(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoPeer
	}
	tr.remember(id)
	return tr.t.Emit(ctx, v1.EventGetUserStatus, v1.UserStatusRequest{UserID: id})
}

// HandleEvent applies a presence event and reports whether ev was one.
func (tr *Tracker) HandleEvent(ev transport.Event) bool {
	switch ev.Name {
	case v1.EventUserOnline, v1.EventUserOffline, v1.EventUserStatus:
		var st v1.UserStatus
		if err := ev.Decode(&st); err != nil || st.UserID == "" {
			tr.log.Info("presence.decode.fail", "event", ev.Name, "err", err)
			return true
		}
		switch ev.Name {
		case v1.EventUserOnline:
			st.Online = true
		case v1.EventUserOffline:
			st.Online = false
			if st.LastSeen == nil {
				now := tr.now().UTC()
				st.LastSeen = &now
			}
		}
		tr.apply([]v1.UserStatus{st})
		return true

	case v1.EventUsersStatus:
		var p v1.UsersStatusPayload
		if err := ev.Decode(&p); err != nil {
			tr.log.Info("presence.decode.fail", "event", ev.Name, "err", err)
			return true
		}
		tr.apply(p.Users)
		return true
	}
	return false
}

// apply writes every status under one lock so a bulk reply is atomic. Each status replaces
// the whole entry of its peer.
func (tr *Tracker) apply(sts []v1.UserStatus) {
	changed := make([]Peer, 0, len(sts))

	tr.mu.Lock()
	for _, st := range sts {
		if st.UserID == "" {
			continue
		}
		p := Peer{UserID: st.UserID, Online: st.Online}
		if st.LastSeen != nil {
			p.LastSeen = *st.LastSeen
		}
		tr.peers[st.UserID] = p
		tr.known[st.UserID] = struct{}{}
		changed = append(changed, p)
	}
	h := tr.onChange
	tr.mu.Unlock()

	if h != nil {
		for _, p := range changed {
			h(p)
		}
	}
}

// Get returns the presence of id; ok is false when it is unknown.
func (tr *Tracker) Get(id string) (Peer, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	p, ok := tr.peers[id]
	return p, ok
}

// Snapshot returns a copy of the presence map.
func (tr *Tracker) Snapshot() map[string]Peer {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make(map[string]Peer, len(tr.peers))
	for k, v := range tr.peers {
		out[k] = v
	}
	return out
}

// Known returns every peer id ever requested or seen, sorted.
func (tr *Tracker) Known() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]string, 0, len(tr.known))
	for id := range tr.known {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset clears all state.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	tr.peers = make(map[string]Peer)
	tr.known = make(map[string]struct{})
	tr.mu.Unlock()
}

func (tr *Tracker) remember(ids ...string) {
	tr.mu.Lock()
	for _, id := range ids {
		tr.known[id] = struct{}{}
	}
	tr.mu.Unlock()
}
