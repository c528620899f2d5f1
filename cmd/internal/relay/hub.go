package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/cmd/internal/metrics"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Hub tracks which registered connections belong to which user and fans events out
// to them. A user is online while at least one connection is attached.
//
// Concurrency guarantees:
// - Attach/Detach are safe under concurrent fanout.
// - Fanout never blocks (drops under backpressure).
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Relay

	mu       sync.RWMutex
	users    map[string]map[string]*Client // user id -> session id -> client
	lastSeen map[string]time.Time
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, m *metrics.Relay) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:      log,
		metrics:  m,
		users:    make(map[string]map[string]*Client),
		lastSeen: make(map[string]time.Time),
	}
}

// Attach registers c under c.UserID and reports whether it is the user's first connection.
func (h *Hub) Attach(c *Client) bool {
	if c == nil || c.UserID == "" || c.SessionID == "" {
		return false
	}

	h.mu.Lock()
	sessions := h.users[c.UserID]
	first := len(sessions) == 0
	if sessions == nil {
		sessions = make(map[string]*Client)
		h.users[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	online := len(h.users)
	h.mu.Unlock()

	h.metrics.SetOnline(online)
	h.log.Info("hub.attach", "user_id", c.UserID, "session_id", c.SessionID, "first", first)
	return first
}

// Detach removes c. When it was the user's last connection it records now as the
// user's last-seen time and reports true.
func (h *Hub) Detach(c *Client, now time.Time) bool {
	if c == nil || c.UserID == "" {
		return false
	}

	h.mu.Lock()
	sessions := h.users[c.UserID]
	if _, ok := sessions[c.SessionID]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(sessions, c.SessionID)
	last := len(sessions) == 0
	if last {
		delete(h.users, c.UserID)
		h.lastSeen[c.UserID] = now
	}
	online := len(h.users)
	h.mu.Unlock()

	h.metrics.SetOnline(online)
	h.log.Info("hub.detach", "user_id", c.UserID, "session_id", c.SessionID, "last", last)
	return last
}

// Status returns the presence of userID.
func (h *Hub) Status(userID string) v1.UserStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := v1.UserStatus{UserID: userID, Online: len(h.users[userID]) > 0}
	if !st.Online {
		if at, ok := h.lastSeen[userID]; ok {
			st.LastSeen = &at
		}
	}
	return st
}

// Online lists the users with at least one connection, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.users))
	for u := range h.users {
		out = append(out, u)
	}
	h.mu.RUnlock()

	sort.Strings(out)
	return out
}

// SendTo queues out on every connection of userID and returns how many accepted it.
func (h *Hub) SendTo(userID string, out Outbound) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.users[userID] {
		if h.deliver(c, out) {
			n++
		}
	}
	return n
}

// Broadcast queues out on every registered connection except those of exceptUser.
func (h *Hub) Broadcast(out Outbound, exceptUser string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for user, sessions := range h.users {
		if user == exceptUser {
			continue
		}
		for _, c := range sessions {
			h.deliver(c, out)
		}
	}
}

// deliver drops rather than block the fanout.
func (h *Hub) deliver(c *Client, out Outbound) bool {
	if c.offer(out) {
		return true
	}
	h.metrics.Dropped()
	h.log.Info("hub.drop", "user_id", c.UserID, "session_id", c.SessionID, "type", out.Type)
	return false
}
