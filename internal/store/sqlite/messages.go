package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

const messageColumns = `account_id, message_id, thread_id, from_addr, from_name, to_addrs,
	subject, snippet, body, date, labels, is_read, is_deleted`

type messageRow struct {
	AccountID int64  `db:"account_id"`
	MessageID string `db:"message_id"`
	ThreadID  string `db:"thread_id"`
	FromAddr  string `db:"from_addr"`
	FromName  string `db:"from_name"`
	ToAddrs   string `db:"to_addrs"`
	Subject   string `db:"subject"`
	Snippet   string `db:"snippet"`
	Body      string `db:"body"`
	Date      int64  `db:"date"`
	Labels    string `db:"labels"`
	IsRead    bool   `db:"is_read"`
	IsDeleted bool   `db:"is_deleted"`
	UpdatedAt int64  `db:"updated_at"`
}

func newMessageRow(m *domain.Message) (messageRow, error) {
	to := m.To
	if to == nil {
		to = []domain.Address{}
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return messageRow{}, fmt.Errorf("failed to marshal To addresses: %w", err)
	}
	labels := m.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return messageRow{}, fmt.Errorf("failed to marshal labels: %w", err)
	}
	return messageRow{
		AccountID: m.AccountID,
		MessageID: m.ID,
		ThreadID:  m.ThreadID,
		FromAddr:  m.From.Email,
		FromName:  m.From.Name,
		ToAddrs:   string(toJSON),
		Subject:   m.Subject,
		Snippet:   m.Snippet,
		Body:      m.Body,
		Date:      toUnix(m.Date),
		Labels:    string(labelsJSON),
		IsRead:    m.IsRead,
		IsDeleted: m.IsDeleted,
	}, nil
}

func (r messageRow) toDomain() (domain.Message, error) {
	m := domain.Message{
		AccountID: r.AccountID,
		ID:        r.MessageID,
		ThreadID:  r.ThreadID,
		From:      domain.Address{Name: r.FromName, Email: r.FromAddr},
		Subject:   r.Subject,
		Snippet:   r.Snippet,
		Body:      r.Body,
		Date:      fromUnix(r.Date),
		IsRead:    r.IsRead,
		IsDeleted: r.IsDeleted,
	}
	if r.ToAddrs != "" {
		if err := json.Unmarshal([]byte(r.ToAddrs), &m.To); err != nil {
			return m, fmt.Errorf("failed to unmarshal To addresses: %w", err)
		}
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &m.Labels); err != nil {
			return m, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	return m, nil
}

// Re-syncing a message never clears a body that was already fetched and
// never resurrects a locally deleted message.
const upsertMessage = `
	INSERT INTO messages (account_id, message_id, thread_id, from_addr, from_name, to_addrs,
		subject, snippet, body, date, labels, is_read, is_deleted, created_at, updated_at)
	VALUES (:account_id, :message_id, :thread_id, :from_addr, :from_name, :to_addrs,
		:subject, :snippet, :body, :date, :labels, :is_read, :is_deleted, :updated_at, :updated_at)
	ON CONFLICT(account_id, message_id) DO UPDATE SET
		thread_id  = excluded.thread_id,
		from_addr  = excluded.from_addr,
		from_name  = excluded.from_name,
		to_addrs   = excluded.to_addrs,
		subject    = excluded.subject,
		snippet    = excluded.snippet,
		body       = CASE WHEN excluded.body <> '' THEN excluded.body ELSE messages.body END,
		date       = excluded.date,
		labels     = excluded.labels,
		is_read    = excluded.is_read,
		updated_at = excluded.updated_at`

// SaveMessage inserts or updates one message.
func (s *DB) SaveMessage(ctx context.Context, msg *domain.Message) error {
	return s.SaveMessages(ctx, []domain.Message{*msg})
}

// SaveMessages upserts a batch of messages keyed by (account, message id) in
// one transaction.
func (s *DB) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertMessage)
	if err != nil {
		return fmt.Errorf("failed to prepare message upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i := range msgs {
		row, err := newMessageRow(&msgs[i])
		if err != nil {
			return err
		}
		row.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msgs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message upsert: %w", err)
	}
	return nil
}

// GetMessage returns one cached message, including tombstoned ones.
func (s *DB) GetMessage(ctx context.Context, accountID int64, messageID string) (*domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND message_id = ?`,
		accountID, messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessages lists non-deleted messages of an account, newest first.
func (s *DB) GetMessages(ctx context.Context, opts store.ListMessageOptions) ([]domain.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND is_deleted = 0
		ORDER BY date DESC, message_id
		LIMIT ? OFFSET ?`,
		opts.AccountID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *DB) MarkMessageAsRead(ctx context.Context, accountID int64, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, updated_at = ? WHERE account_id = ? AND message_id = ?`,
		time.Now().Unix(), accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", messageID, err)
	}
	return requireRow(res, "message %s", messageID)
}

// DeleteMessage tombstones a cached message. The row stays so a later sync
// does not bring it back.
func (s *DB) DeleteMessage(ctx context.Context, accountID int64, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1, updated_at = ? WHERE account_id = ? AND message_id = ?`,
		time.Now().Unix(), accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return requireRow(res, "message %s", messageID)
}

func (s *DB) GetMessageStats(ctx context.Context, accountID int64) (*domain.MessageStats, error) {
	var row struct {
		Total  int `db:"total"`
		Unread int `db:"unread"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread
		FROM messages WHERE account_id = ? AND is_deleted = 0`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message stats: %w", err)
	}
	return &domain.MessageStats{Total: row.Total, Unread: row.Unread}, nil
}
