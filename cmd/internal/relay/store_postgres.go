package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatsync/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the schema PostgresStore and Migrate use unless told otherwise.
const DefaultSchema = "chatsync"

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Appends take a per-conversation transactional advisory lock, so seq stays strictly
// monotonic and duplicates never consume one.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: DefaultSchema).
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const (
	messageColumns  = `id, conversation_id, seq, COALESCE(client_msg_id, ''), sender_id, receiver_id, content, sent_at, read_at`
	messageColumnsM = `m.id, m.conversation_id, m.seq, COALESCE(m.client_msg_id, ''), m.sender_id, m.receiver_id, m.content, m.sent_at, m.read_at`
)

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
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
	convID := conversationID(in.SenderID, in.ReceiverID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, convID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.SenderID, in.ClientMsgID)
		if err == nil {
			return AppendMessageResult{Stored: existing, Duplicated: true}, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	userA, userB := in.SenderID, in.ReceiverID
	if userB < userA {
		userA, userB = userB, userA
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+conversations+` AS c (id, user_a, user_b, next_seq)
		 VALUES ($1, $2, $3, 2)
		 ON CONFLICT (id) DO UPDATE
		    SET next_seq = c.next_seq + 1,
		        updated_at = now()
		 RETURNING next_seq - 1`,
		convID, userA, userB,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, fmt.Errorf("allocate seq: %w", err)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	// The unique index on (sender_id, client_msg_id) spans conversations; the lock above
	// does not, so a concurrent duplicate sent to another peer can still land first.
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, seq, client_msg_id, sender_id, receiver_id, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING`,
		id, convID, seq, nullIfEmpty(in.ClientMsgID), in.SenderID, in.ReceiverID, in.Content, now,
	)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := readMessageByClientMsgID(ctx, s.pool, messages, in.SenderID, in.ClientMsgID)
		if err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: StoredMessage{
		ID:             id,
		ConversationID: convID,
		Seq:            seq,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		SentAt:         now,
	}}, nil
}

// History returns a window of the conversation ordered by seq ASC.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.UserID == "" || in.PeerID == "" {
		return HistoryResult{}, errors.New("relay: missing conversation participants")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1
	convID := conversationID(in.UserID, in.PeerID)
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq DESC
			  LIMIT $2`,
			convID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			convID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if in.AfterSeq == nil {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// Conversations returns the latest message per conversation of userID, newest first.
func (s *PostgresStore) Conversations(ctx context.Context, userID string) ([]StoredMessage, error) {
	if userID == "" {
		return nil, errors.New("relay: missing user id")
	}
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (m.conversation_id) `+messageColumnsM+`
		   FROM `+messages+` m
		   JOIN `+conversations+` c ON c.id = m.conversation_id
		  WHERE c.user_a = $1 OR c.user_b = $1
		  ORDER BY m.conversation_id, m.seq DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// MarkRead stamps every unread message partnerID sent to readerID.
func (s *PostgresStore) MarkRead(ctx context.Context, readerID, partnerID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET read_at = $3
		  WHERE receiver_id = $1 AND sender_id = $2 AND read_at IS NULL`,
		readerID, partnerID, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AddNotification stores n, assigning its id and time when missing.
func (s *PostgresStore) AddNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.UserID == "" {
		return Notification{}, errors.New("relay: notification without user")
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
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "notifications")+` (id, user_id, kind, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.UserID, n.Kind, n.Message, n.CreatedAt,
	); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// UnreadNotifications counts the unread notifications of userID.
func (s *PostgresStore) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(s.schema, "notifications")+` WHERE user_id = $1 AND read_at IS NULL`,
		userID,
	).Scan(&n)
	return n, err
}

// MarkNotificationsRead marks every notification of userID read.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "notifications")+` SET read_at = $2 WHERE user_id = $1 AND read_at IS NULL`,
		userID, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readMessageByClientMsgID(ctx context.Context, q queryRower, messagesTable, senderID, clientMsgID string) (StoredMessage, error) {
	var m StoredMessage
	err := q.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messagesTable+`
		  WHERE sender_id = $1 AND client_msg_id = $2`,
		senderID, clientMsgID,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.ClientMsgID, &m.SenderID, &m.ReceiverID, &m.Content, &m.SentAt, &m.ReadAt)
	return m, err
}

func scanMessages(rows pgx.Rows) ([]StoredMessage, error) {
	defer rows.Close()

	out := make([]StoredMessage, 0, 16)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.ClientMsgID, &m.SenderID, &m.ReceiverID, &m.Content, &m.SentAt, &m.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
