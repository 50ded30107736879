package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

type QueueRepository struct {
	pool *pgxpool.Pool
}

func NewQueueRepository(pool *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

func (r *QueueRepository) Enqueue(ctx context.Context, e *model.OfflineQueueEntry) error {
	defer logger.DeferLogDuration("queue.Enqueue", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO offline_queue (id, user_id, kind, payload, attempt_count, status, next_retry_at, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.Kind, []byte(e.Payload), e.AttemptCount, e.Status, e.NextRetryAt, e.LastError, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queueRepo.Enqueue: %w", err)
	}
	return nil
}

// ClaimDue atomically flips due pending entries to sending and returns
// them. FOR UPDATE SKIP LOCKED keeps concurrent workers off each other's
// batch, so no entry is processed twice at a time. created_at breaks
// next_retry_at ties so a backlog flushed by ResetBackoffFor (which stamps
// every entry with the same time) redelivers in creation order.
func (r *QueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.OfflineQueueEntry, error) {
	defer logger.DeferLogDuration("queue.ClaimDue", time.Now())()
	rows, err := r.pool.Query(ctx,
		`WITH claimed AS (
			 UPDATE offline_queue SET status = $1
			 WHERE id IN (
				 SELECT id FROM offline_queue
				 WHERE status = $2 AND next_retry_at <= $3
				 ORDER BY next_retry_at, created_at
				 LIMIT $4
				 FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, user_id, kind, payload, attempt_count, status, next_retry_at, last_error, created_at
		 )
		 SELECT id, user_id, kind, payload, attempt_count, status, next_retry_at, last_error, created_at
		 FROM claimed ORDER BY next_retry_at, created_at`,
		model.QueueSending, model.QueuePending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queueRepo.ClaimDue query: %w", err)
	}
	defer rows.Close()

	var entries []model.OfflineQueueEntry
	for rows.Next() {
		var e model.OfflineQueueEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &payload, &e.AttemptCount, &e.Status, &e.NextRetryAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("queueRepo.ClaimDue scan: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queueRepo.ClaimDue rows: %w", err)
	}
	return entries, nil
}

// MarkSent removes the entry; sent work needs no audit row.
func (r *QueueRepository) MarkSent(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM offline_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("queueRepo.MarkSent: %w", err)
	}
	return nil
}

// Retry reschedules a claimed entry back to pending with the next attempt time.
func (r *QueueRepository) Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE offline_queue
		 SET status = $2, attempt_count = $3, next_retry_at = $4, last_error = $5
		 WHERE id = $1`,
		id, model.QueuePending, attempts, next, lastErr,
	)
	if err != nil {
		return fmt.Errorf("queueRepo.Retry: %w", err)
	}
	return nil
}

// MarkFailed parks an exhausted entry; failed rows stay for inspection.
func (r *QueueRepository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE offline_queue SET status = $2, attempt_count = $3, last_error = $4 WHERE id = $1`,
		id, model.QueueFailed, attempts, lastErr,
	)
	if err != nil {
		return fmt.Errorf("queueRepo.MarkFailed: %w", err)
	}
	return nil
}

// ResetBackoffFor pulls a user's pending entries forward so a reconnect
// flushes the backlog on the next worker cycle.
func (r *QueueRepository) ResetBackoffFor(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE offline_queue SET next_retry_at = now()
		 WHERE user_id = $1 AND status = $2`,
		userID, model.QueuePending,
	)
	if err != nil {
		return fmt.Errorf("queueRepo.ResetBackoffFor: %w", err)
	}
	return nil
}

// HasPending reports whether the user has unsent entries of the given
// kind. Claimed (sending) entries count: they are in flight, not done.
func (r *QueueRepository) HasPending(ctx context.Context, userID, kind string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			 SELECT 1 FROM offline_queue
			 WHERE user_id = $1 AND kind = $2 AND status IN ($3, $4)
		 )`,
		userID, kind, model.QueuePending, model.QueueSending,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("queueRepo.HasPending: %w", err)
	}
	return exists, nil
}

// ListFailed returns parked entries, newest first.
func (r *QueueRepository) ListFailed(ctx context.Context, limit, offset int) ([]model.OfflineQueueEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, payload, attempt_count, status, next_retry_at, last_error, created_at
		 FROM offline_queue WHERE status = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		model.QueueFailed, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("queueRepo.ListFailed query: %w", err)
	}
	defer rows.Close()
	var entries []model.OfflineQueueEntry
	for rows.Next() {
		var e model.OfflineQueueEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &payload, &e.AttemptCount, &e.Status, &e.NextRetryAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("queueRepo.ListFailed scan: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queueRepo.ListFailed rows: %w", err)
	}
	return entries, nil
}
