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

type NotificationRepository struct {
	pool *pgxpool.Pool
	// maxSubscriptions caps stored push subscriptions per user; the oldest
	// is evicted when a new device pushes past the cap.
	maxSubscriptions int
}

func NewNotificationRepository(pool *pgxpool.Pool, maxSubscriptions int) *NotificationRepository {
	if maxSubscriptions <= 0 {
		maxSubscriptions = 10
	}
	return &NotificationRepository{pool: pool, maxSubscriptions: maxSubscriptions}
}

func (r *NotificationRepository) CreateNotification(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("notifRepo.CreateNotification data: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, title, body, thread_id, message_id, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, n.ThreadID, n.MessageID, data, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.CreateNotification: %w", err)
	}
	return nil
}

// ListForUser returns the user's notifications, newest first.
// unreadOnly restricts to notifications without a read_at mark.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListForUser", time.Now())()
	q := `SELECT id, user_id, kind, title, body, COALESCE(thread_id, ''), COALESCE(message_id, ''), data, read_at, created_at
	      FROM notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND read_at IS NULL`
	}
	q += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	notifications := make([]model.Notification, 0, limit)
	for rows.Next() {
		var n model.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.ThreadID, &n.MessageID, &data, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.ListForUser scan: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("notifRepo.ListForUser data: %w", err)
			}
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListForUser rows: %w", err)
	}
	return notifications, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, userID, notificationID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read_at = now() WHERE id = $1 AND user_id = $2 AND read_at IS NULL`,
		notificationID, userID,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkAllRead: %w", err)
	}
	return nil
}

// GetPreferences returns the stored channel preferences, or the default
// (everything on) for users who never saved any.
func (r *NotificationRepository) GetPreferences(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	p := &model.NotificationPreference{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, email_enabled, push_enabled FROM notification_preferences WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.EmailEnabled, &p.PushEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultPreference(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("notifRepo.GetPreferences: %w", err)
	}
	return p, nil
}

func (r *NotificationRepository) SetPreferences(ctx context.Context, p *model.NotificationPreference) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notification_preferences (user_id, email_enabled, push_enabled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET email_enabled = $2, push_enabled = $3`,
		p.UserID, p.EmailEnabled, p.PushEnabled,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.SetPreferences: %w", err)
	}
	return nil
}

// SaveSubscription upserts a Web Push subscription and evicts the oldest
// ones past the per-user cap.
func (r *NotificationRepository) SaveSubscription(ctx context.Context, sub *model.PushSubscription) error {
	defer logger.DeferLogDuration("notif.SaveSubscription", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notifRepo.SaveSubscription begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = $3, auth = $4`,
		sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt,
	); err != nil {
		return fmt.Errorf("notifRepo.SaveSubscription upsert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM push_subscriptions
		 WHERE user_id = $1 AND endpoint NOT IN (
			 SELECT endpoint FROM push_subscriptions
			 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
		 )`,
		sub.UserID, r.maxSubscriptions,
	); err != nil {
		return fmt.Errorf("notifRepo.SaveSubscription cap: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notifRepo.SaveSubscription commit: %w", err)
	}
	return nil
}

func (r *NotificationRepository) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, endpoint, p256dh, auth, created_at
		 FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.Subscriptions query: %w", err)
	}
	defer rows.Close()
	var subs []model.PushSubscription
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(&s.UserID, &s.Endpoint, &s.P256dh, &s.Auth, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.Subscriptions scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.Subscriptions rows: %w", err)
	}
	return subs, nil
}

func (r *NotificationRepository) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.DeleteSubscription: %w", err)
	}
	return nil
}
