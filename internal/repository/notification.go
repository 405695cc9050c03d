package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, read, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Data, n.Read, n.Priority, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.Create: %w", err)
	}
	return nil
}

// ListByUser возвращает уведомления новые-сверху.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, title, message, data, read, priority, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	items := make([]model.Notification, 0, limit)
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Read, &n.Priority, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.ListByUser scan: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser rows: %w", err)
	}
	return items, nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	defer logger.DeferLogDuration("notif.GetByID", time.Now())()
	n := &model.Notification{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, type, title, message, data, read, priority, created_at
		 FROM notifications WHERE id = $1`, id,
	).Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Read, &n.Priority, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("notifRepo.GetByID: %w", err)
	}
	return n, nil
}

// MarkRead — однонаправленный переход unread → read; повторный вызов не меняет строк.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2 AND read = FALSE`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	defer logger.DeferLogDuration("notif.MarkAllRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE`, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.MarkAllRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete удаляет уведомление и сообщает, было ли оно непрочитанным
// (для корректного декремента счётчика).
func (r *NotificationRepository) Delete(ctx context.Context, id, userID string) (wasUnread bool, err error) {
	defer logger.DeferLogDuration("notif.Delete", time.Now())()
	err = r.pool.QueryRow(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2 RETURNING NOT read`,
		id, userID,
	).Scan(&wasUnread)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("notifRepo.Delete: %w", err)
	}
	return wasUnread, nil
}

func (r *NotificationRepository) ClearAll(ctx context.Context, userID string) error {
	defer logger.DeferLogDuration("notif.ClearAll", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("notifRepo.ClearAll: %w", err)
	}
	return nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("notif.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND read = FALSE`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.CountUnread: %w", err)
	}
	return n, nil
}
