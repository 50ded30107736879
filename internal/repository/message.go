package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("msgRepo.Create attachments: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, sender_id, content, attachments, status, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ThreadID, m.SenderID, m.Content, attachments, m.Status, m.IsDeleted, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	var attachments []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, thread_id, sender_id, content, attachments, status, edited_at, is_deleted, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &attachments, &m.Status, &m.EditedAt, &m.IsDeleted, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("msgRepo.GetByID attachments: %w", err)
		}
	}
	if err := r.loadReactions(ctx, m); err != nil {
		return nil, err
	}
	if err := r.loadReadReceipts(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) loadReactions(ctx context.Context, m *model.Message) error {
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at
		 FROM message_reactions WHERE message_id = $1 ORDER BY created_at`, m.ID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.loadReactions query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var re model.Reaction
		if err := rows.Scan(&re.MessageID, &re.UserID, &re.Emoji, &re.CreatedAt); err != nil {
			return fmt.Errorf("msgRepo.loadReactions scan: %w", err)
		}
		m.Reactions = append(m.Reactions, re)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.loadReactions rows: %w", err)
	}
	return nil
}

func (r *MessageRepository) loadReadReceipts(ctx context.Context, m *model.Message) error {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, read_at FROM message_reads WHERE message_id = $1 ORDER BY read_at`, m.ID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.loadReadReceipts query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rr model.ReadReceipt
		if err := rows.Scan(&rr.UserID, &rr.ReadAt); err != nil {
			return fmt.Errorf("msgRepo.loadReadReceipts scan: %w", err)
		}
		m.ReadBy = append(m.ReadBy, rr)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.loadReadReceipts rows: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListThread(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListThread", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, sender_id, content, attachments, status, edited_at, is_deleted, created_at
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, threadID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListThread query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &attachments, &m.Status, &m.EditedAt, &m.IsDeleted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListThread scan: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("msgRepo.ListThread attachments: %w", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListThread rows: %w", err)
	}
	if err := r.attachReactions(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) attachReactions(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	idx := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		idx[m.ID] = i
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at
		 FROM message_reactions WHERE message_id = ANY($1) ORDER BY created_at`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.attachReactions query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var re model.Reaction
		if err := rows.Scan(&re.MessageID, &re.UserID, &re.Emoji, &re.CreatedAt); err != nil {
			return fmt.Errorf("msgRepo.attachReactions scan: %w", err)
		}
		if i, ok := idx[re.MessageID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, re)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.attachReactions rows: %w", err)
	}
	return nil
}

// ApplyEdit appends the pre-edit revision to the audit trail and replaces
// the content in one transaction.
func (r *MessageRepository) ApplyEdit(ctx context.Context, id string, prev model.EditRevision, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.ApplyEdit", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.ApplyEdit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_edits (message_id, content, edited_at) VALUES ($1, $2, $3)`,
		id, prev.Content, prev.EditedAt,
	); err != nil {
		return fmt.Errorf("msgRepo.ApplyEdit history: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND is_deleted = false`,
		id, content, editedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.ApplyEdit update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.ApplyEdit commit: %w", err)
	}
	return nil
}

// SoftDelete redacts the message into a tombstone; the row stays so thread
// history keeps its shape.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = '', attachments = '[]', is_deleted = true WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) AddReaction(ctx context.Context, re model.Reaction) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		re.MessageID, re.UserID, re.Emoji, re.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.AddReaction: %w", err)
	}
	return nil
}

func (r *MessageRepository) RemoveReaction(ctx context.Context, re model.Reaction) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		re.MessageID, re.UserID, re.Emoji,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.RemoveReaction: %w", err)
	}
	return nil
}

// MarkThreadRead records read receipts for every message the user received
// in the thread and advances their status to read. Re-reads are no-ops
// thanks to the receipt primary key.
func (r *MessageRepository) MarkThreadRead(ctx context.Context, threadID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("msg.MarkThreadRead", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkThreadRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT id, $2, $3 FROM messages WHERE thread_id = $1 AND sender_id <> $2
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		threadID, userID, at,
	); err != nil {
		return fmt.Errorf("msgRepo.MarkThreadRead receipts: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET status = $3
		 WHERE thread_id = $1 AND sender_id <> $2 AND status <> $3`,
		threadID, userID, model.MessageStatusRead,
	); err != nil {
		return fmt.Errorf("msgRepo.MarkThreadRead status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.MarkThreadRead commit: %w", err)
	}
	return nil
}

// MarkDelivered records per-recipient delivery and advances the message
// status sent -> delivered. The status guard keeps read from regressing.
func (r *MessageRepository) MarkDelivered(ctx context.Context, messageID, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_deliveries (message_id, user_id, delivered_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID,
	); err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered receipt: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND status = $3`,
		messageID, model.MessageStatusDelivered, model.MessageStatusSent,
	); err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered commit: %w", err)
	}
	return nil
}

// EditHistory returns the pre-edit revisions, oldest first.
func (r *MessageRepository) EditHistory(ctx context.Context, messageID string) ([]model.EditRevision, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT content, edited_at FROM message_edits WHERE message_id = $1 ORDER BY edited_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.EditHistory query: %w", err)
	}
	defer rows.Close()
	var history []model.EditRevision
	for rows.Next() {
		var rev model.EditRevision
		if err := rows.Scan(&rev.Content, &rev.EditedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.EditHistory scan: %w", err)
		}
		history = append(history, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.EditHistory rows: %w", err)
	}
	return history, nil
}
