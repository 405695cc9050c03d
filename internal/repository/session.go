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

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// UpsertByUserIDAndDeviceID вставляет сессию или обновляет существующую по (user_id, device_id). Устраняет duplicate key без отдельного DELETE.
func (r *SessionRepository) UpsertByUserIDAndDeviceID(ctx context.Context, s *model.Session) error {
	defer logger.DeferLogDuration("session.UpsertByUserIDAndDeviceID", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, device_id, device_name, secret_hash, last_seen_at, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET
		   id = EXCLUDED.id,
		   device_name = EXCLUDED.device_name,
		   secret_hash = EXCLUDED.secret_hash,
		   last_seen_at = EXCLUDED.last_seen_at,
		   created_at = EXCLUDED.created_at,
		   revoked_at = NULL`,
		s.ID, s.UserID, s.DeviceID, s.DeviceName, s.SecretHash, s.LastSeenAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpsertByUserIDAndDeviceID: %w", err)
	}
	return nil
}

// GetByID возвращает сессию только если она не отозвана (revoked_at IS NULL).
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	defer logger.DeferLogDuration("session.GetByID", time.Now())()
	s := &model.Session{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, device_id, device_name, secret_hash, last_seen_at, created_at, revoked_at
		 FROM sessions WHERE id = $1 AND revoked_at IS NULL`, id,
	).Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &s.SecretHash, &s.LastSeenAt, &s.CreatedAt, &s.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]model.Session, error) {
	defer logger.DeferLogDuration("session.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, device_id, device_name, secret_hash, last_seen_at, created_at, revoked_at
		 FROM sessions WHERE user_id = $1 AND revoked_at IS NULL
		 ORDER BY last_seen_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, 4)
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &s.SecretHash, &s.LastSeenAt, &s.CreatedAt, &s.RevokedAt); err != nil {
			return nil, fmt.Errorf("sessionRepo.ListByUser scan: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.ListByUser rows: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_seen_at = $1 WHERE id = $2`, t, id)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateLastSeen: %w", err)
	}
	return nil
}

// Revoke помечает сессию отозванной; секрет удаляется из стора отдельно.
func (r *SessionRepository) Revoke(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("session.Revoke", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("sessionRepo.Revoke: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	defer logger.DeferLogDuration("session.RevokeAllForUser", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.RevokeAllForUser: %w", err)
	}
	return tag.RowsAffected(), nil
}
