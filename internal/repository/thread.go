package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

type ThreadRepository struct {
	pool *pgxpool.Pool
}

func NewThreadRepository(pool *pgxpool.Pool) *ThreadRepository {
	return &ThreadRepository{pool: pool}
}

// GetOrCreate returns the thread for the exact participant set, creating it
// on first use. The participant_key unique index makes concurrent creates
// collapse onto one row. The bool reports whether the thread was created.
func (r *ThreadRepository) GetOrCreate(ctx context.Context, participantIDs []string) (*model.Thread, bool, error) {
	defer logger.DeferLogDuration("thread.GetOrCreate", time.Now())()
	key := model.ParticipantKey(participantIDs)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("threadRepo.GetOrCreate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO threads (id, participant_key, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_key) DO NOTHING`,
		id, key, model.ThreadActive, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("threadRepo.GetOrCreate insert: %w", err)
	}
	created := tag.RowsAffected() == 1
	if created {
		for _, uid := range dedupe(participantIDs) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO thread_participants (thread_id, user_id, unread_count) VALUES ($1, $2, 0)`,
				id, uid,
			); err != nil {
				return nil, false, fmt.Errorf("threadRepo.GetOrCreate participant: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("threadRepo.GetOrCreate commit: %w", err)
	}

	t, err := r.getByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return t, created, nil
}

func (r *ThreadRepository) getByKey(ctx context.Context, key string) (*model.Thread, error) {
	t := &model.Thread{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, status, last_message_id, last_message_at, created_at
		 FROM threads WHERE participant_key = $1`, key,
	).Scan(&t.ID, &t.Status, &t.LastMessageID, &t.LastMessageAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.getByKey: %w", err)
	}
	if err := r.loadParticipants(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ThreadRepository) GetByID(ctx context.Context, id string) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.GetByID", time.Now())()
	t := &model.Thread{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, status, last_message_id, last_message_at, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.Status, &t.LastMessageID, &t.LastMessageAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetByID: %w", err)
	}
	if err := r.loadParticipants(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ThreadRepository) loadParticipants(ctx context.Context, t *model.Thread) error {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, unread_count, pinned_at, muted_until
		 FROM thread_participants WHERE thread_id = $1 ORDER BY user_id`, t.ID,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.loadParticipants query: %w", err)
	}
	defer rows.Close()

	t.UnreadCount = make(map[string]int)
	for rows.Next() {
		var (
			uid        string
			unread     int
			pinnedAt   *time.Time
			mutedUntil *time.Time
		)
		if err := rows.Scan(&uid, &unread, &pinnedAt, &mutedUntil); err != nil {
			return fmt.Errorf("threadRepo.loadParticipants scan: %w", err)
		}
		t.ParticipantIDs = append(t.ParticipantIDs, uid)
		t.UnreadCount[uid] = unread
		if pinnedAt != nil {
			if t.PinnedAt == nil {
				t.PinnedAt = make(map[string]time.Time)
			}
			t.PinnedAt[uid] = *pinnedAt
		}
		if mutedUntil != nil {
			if t.MutedUntil == nil {
				t.MutedUntil = make(map[string]time.Time)
			}
			t.MutedUntil[uid] = *mutedUntil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("threadRepo.loadParticipants rows: %w", err)
	}
	return nil
}

// RecordMessage advances the thread's last-message marker and increments
// unread for every participant except the sender, in one transaction. The
// counter update is a single UPDATE, so concurrent sends never lose
// increments.
func (r *ThreadRepository) RecordMessage(ctx context.Context, threadID, senderID, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("thread.RecordMessage", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("threadRepo.RecordMessage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE threads SET last_message_id = $2, last_message_at = $3 WHERE id = $1`,
		threadID, messageID, at,
	); err != nil {
		return fmt.Errorf("threadRepo.RecordMessage thread: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE thread_participants SET unread_count = unread_count + 1
		 WHERE thread_id = $1 AND user_id <> $2`,
		threadID, senderID,
	); err != nil {
		return fmt.Errorf("threadRepo.RecordMessage unread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("threadRepo.RecordMessage commit: %w", err)
	}
	return nil
}

func (r *ThreadRepository) ResetUnread(ctx context.Context, threadID, userID string) error {
	defer logger.DeferLogDuration("thread.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE thread_participants SET unread_count = 0, last_read_at = now()
		 WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.ResetUnread: %w", err)
	}
	return nil
}

func (r *ThreadRepository) SetPinned(ctx context.Context, threadID, userID string, pinned bool, at time.Time) error {
	var pinnedAt *time.Time
	if pinned {
		pinnedAt = &at
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE thread_participants SET pinned_at = $3 WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID, pinnedAt,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.SetPinned: %w", err)
	}
	return nil
}

func (r *ThreadRepository) SetMuted(ctx context.Context, threadID, userID string, until *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE thread_participants SET muted_until = $3 WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID, until,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.SetMuted: %w", err)
	}
	return nil
}

// MutedUntil reports the mute deadline for a participant, nil when not muted.
func (r *ThreadRepository) MutedUntil(ctx context.Context, threadID, userID string) (*time.Time, error) {
	var until *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT muted_until FROM thread_participants WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID,
	).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.MutedUntil: %w", err)
	}
	return until, nil
}

func (r *ThreadRepository) SetStatus(ctx context.Context, threadID string, status model.ThreadStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE threads SET status = $2 WHERE id = $1`,
		threadID, status,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the user's threads, most recently active first.
func (r *ThreadRepository) ListForUser(ctx context.Context, userID string) ([]model.Thread, error) {
	defer logger.DeferLogDuration("thread.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.status, t.last_message_id, t.last_message_at, t.created_at
		 FROM threads t
		 JOIN thread_participants tp ON tp.thread_id = t.id
		 WHERE tp.user_id = $1 AND t.status <> $2
		 ORDER BY t.last_message_at DESC NULLS LAST, t.created_at DESC`,
		userID, model.ThreadDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.Status, &t.LastMessageID, &t.LastMessageAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("threadRepo.ListForUser scan: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.ListForUser rows: %w", err)
	}
	for i := range threads {
		if err := r.loadParticipants(ctx, &threads[i]); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
