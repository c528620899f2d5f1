package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chatsync/cmd/internal/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
	memMaxNotificationsPerUser    = 1_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
type InMemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv
	dedupe map[string]*StoredMessage // sender_id + client_msg_id -> stored message
	notifs map[string][]*Notification
}

type memConv struct {
	seq  int64
	msgs []*StoredMessage // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		dedupe: make(map[string]*StoredMessage),
		notifs: make(map[string][]*Notification),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func dedupeKey(sender, clientMsgID string) string { return sender + "\x00" + clientMsgID }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ClientMsgID != "" {
		if existing, ok := s.dedupe[dedupeKey(in.SenderID, in.ClientMsgID)]; ok {
			return AppendMessageResult{Stored: cloneMessage(existing), Duplicated: true}, nil
		}
	}

	convID := conversationID(in.SenderID, in.ReceiverID)
	c := s.convs[convID]
	if c == nil {
		c = &memConv{msgs: make([]*StoredMessage, 0, 64)}
		s.convs[convID] = c
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	msg := &StoredMessage{
		ID:             id,
		ConversationID: convID,
		Seq:            c.seq,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		SentAt:         now,
	}
	c.msgs = append(c.msgs, msg)
	if in.ClientMsgID != "" {
		s.dedupe[dedupeKey(in.SenderID, in.ClientMsgID)] = msg
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerConversation] {
			if old.ClientMsgID != "" {
				delete(s.dedupe, dedupeKey(old.SenderID, old.ClientMsgID))
			}
		}
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: cloneMessage(msg)}, nil
}

// History returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.UserID == "" || in.PeerID == "" {
		return HistoryResult{}, errors.New("relay: missing conversation participants")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}
	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	var snap []StoredMessage
	if c := s.convs[conversationID(in.UserID, in.PeerID)]; c != nil {
		snap = make([]StoredMessage, 0, len(c.msgs))
		for _, m := range c.msgs {
			snap = append(snap, cloneMessage(m))
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return HistoryResult{}, nil
	}

	if in.AfterSeq == nil {
		start := len(snap) - limit
		if start <= 0 {
			return HistoryResult{Messages: snap}, nil
		}
		return HistoryResult{Messages: snap[start:], HasMore: true}, nil
	}

	after := *in.AfterSeq
	start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

// Conversations returns the latest message per conversation of userID, newest first.
func (s *InMemoryStore) Conversations(ctx context.Context, userID string) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]StoredMessage, 0, 8)
	for _, c := range s.convs {
		if len(c.msgs) == 0 {
			continue
		}
		last := c.msgs[len(c.msgs)-1]
		if last.SenderID != userID && last.ReceiverID != userID {
			continue
		}
		out = append(out, cloneMessage(last))
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	return out, nil
}

// MarkRead stamps every unread message partnerID sent to readerID.
func (s *InMemoryStore) MarkRead(ctx context.Context, readerID, partnerID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID(readerID, partnerID)]
	if c == nil {
		return 0, nil
	}
	n := 0
	for _, m := range c.msgs {
		if m.ReceiverID != readerID || m.SenderID != partnerID || m.ReadAt != nil {
			continue
		}
		stamp := at
		m.ReadAt = &stamp
		n++
	}
	return n, nil
}

// AddNotification stores n, assigning its id and time when missing.
func (s *InMemoryStore) AddNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.UserID == "" {
		return Notification{}, errors.New("relay: notification without user")
	}
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.ID == "" {
		id, err := ids.NewULID(n.CreatedAt)
		if err != nil {
			return Notification{}, err
		}
		n.ID = id
	}

	s.mu.Lock()
	list := append(s.notifs[n.UserID], &n)
	if len(list) > memMaxNotificationsPerUser {
		list = list[len(list)-memMaxNotificationsPerUser:]
	}
	s.notifs[n.UserID] = list
	s.mu.Unlock()

	return n, nil
}

// UnreadNotifications counts the unread notifications of userID.
func (s *InMemoryStore) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, x := range s.notifs[userID] {
		if x.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// MarkNotificationsRead marks every notification of userID read.
func (s *InMemoryStore) MarkNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, x := range s.notifs[userID] {
		if x.ReadAt == nil {
			stamp := at
			x.ReadAt = &stamp
			n++
		}
	}
	return n, nil
}

func cloneMessage(m *StoredMessage) StoredMessage {
	out := *m
	if m.ReadAt != nil {
		at := *m.ReadAt
		out.ReadAt = &at
	}
	return out
}

func sortNewestFirst(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].SentAt.After(msgs[j].SentAt)
	})
}
