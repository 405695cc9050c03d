package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
)

// ActivityRepository хранит сырые события активности и считает из них
// агрегаты дашборда. Все агрегаты выводятся пересчётом — ничего
// денормализованного здесь не хранится.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

func (r *ActivityRepository) Insert(ctx context.Context, e *model.ActivityEvent) error {
	defer logger.DeferLogDuration("activity.Insert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO activity_events (id, user_id, type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.Type, e.Data, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.Insert: %w", err)
	}
	return nil
}

// InsertBatch вставляет батч событий одним обходом; повторная доставка
// офлайн-очереди безопасна за счёт ON CONFLICT DO NOTHING.
func (r *ActivityRepository) InsertBatch(ctx context.Context, events []model.ActivityEvent) error {
	defer logger.DeferLogDuration("activity.InsertBatch", time.Now())()
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		batch.Queue(
			`INSERT INTO activity_events (id, user_id, type, data, created_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			e.ID, e.UserID, e.Type, e.Data, e.CreatedAt,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("activityRepo.InsertBatch: %w", err)
		}
	}
	return nil
}

func (r *ActivityRepository) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]model.ActivityEvent, error) {
	defer logger.DeferLogDuration("activity.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, data, created_at
		 FROM activity_events
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`, userID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("activityRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	events := make([]model.ActivityEvent, 0, limit)
	for rows.Next() {
		var e model.ActivityEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activityRepo.ListByUser scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activityRepo.ListByUser rows: %w", err)
	}
	return events, nil
}

// EarningsSeries — кредиты, заработанные хелпером по дням за период
// (по завершённым бронированиям).
func (r *ActivityRepository) EarningsSeries(ctx context.Context, userID string, since time.Time) ([]model.EarningsPoint, error) {
	defer logger.DeferLogDuration("activity.EarningsSeries", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc('day', completed_at) AS day, COALESCE(sum(agreed_credits), 0)
		 FROM bookings
		 WHERE helper_id = $1 AND status = 'completed' AND completed_at >= $2
		 GROUP BY day
		 ORDER BY day`, userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("activityRepo.EarningsSeries query: %w", err)
	}
	defer rows.Close()

	points := make([]model.EarningsPoint, 0, 32)
	for rows.Next() {
		var p model.EarningsPoint
		if err := rows.Scan(&p.Date, &p.Credits); err != nil {
			return nil, fmt.Errorf("activityRepo.EarningsSeries scan: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activityRepo.EarningsSeries rows: %w", err)
	}
	return points, nil
}

// PerformanceSeries — завершённые задачи по дням за период.
func (r *ActivityRepository) PerformanceSeries(ctx context.Context, userID string, since time.Time) ([]model.PerformancePoint, error) {
	defer logger.DeferLogDuration("activity.PerformanceSeries", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc('day', b.completed_at) AS day, count(*),
		        COALESCE((SELECT rating FROM users WHERE id = $1), 0)
		 FROM bookings b
		 WHERE b.helper_id = $1 AND b.status = 'completed' AND b.completed_at >= $2
		 GROUP BY day
		 ORDER BY day`, userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("activityRepo.PerformanceSeries query: %w", err)
	}
	defer rows.Close()

	points := make([]model.PerformancePoint, 0, 32)
	for rows.Next() {
		var p model.PerformancePoint
		if err := rows.Scan(&p.Date, &p.CompletedTasks, &p.Rating); err != nil {
			return nil, fmt.Errorf("activityRepo.PerformanceSeries scan: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activityRepo.PerformanceSeries rows: %w", err)
	}
	return points, nil
}

// Stats собирает сводные показатели пользователя за период одним запросом.
func (r *ActivityRepository) Stats(ctx context.Context, userID string, since time.Time) (*model.DashboardStats, error) {
	defer logger.DeferLogDuration("activity.Stats", time.Now())()
	s := &model.DashboardStats{}
	var total, providerTotal, providerResponded int
	err := r.pool.QueryRow(ctx,
		`SELECT
		   count(*) FILTER (WHERE status = 'completed'),
		   count(*) FILTER (WHERE status IN ('pending', 'confirmed')),
		   COALESCE(sum(agreed_credits) FILTER (WHERE status = 'completed' AND helper_id = $1), 0),
		   COALESCE(sum(agreed_credits) FILTER (WHERE status = 'completed' AND provider_id = $1), 0),
		   count(*),
		   count(*) FILTER (WHERE provider_id = $1),
		   count(*) FILTER (WHERE provider_id = $1 AND status <> 'pending')
		 FROM bookings
		 WHERE (helper_id = $1 OR provider_id = $1) AND created_at >= $2`,
		userID, since,
	).Scan(&s.TasksCompleted, &s.TasksInProgress, &s.CreditsEarned, &s.CreditsSpent, &total, &providerTotal, &providerResponded)
	if err != nil {
		return nil, fmt.Errorf("activityRepo.Stats: %w", err)
	}
	if total > 0 {
		s.CompletionRate = float64(s.TasksCompleted) / float64(total)
	}
	if providerTotal > 0 {
		s.ResponseRate = float64(providerResponded) / float64(providerTotal)
	}
	if err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(rating, 0) FROM users WHERE id = $1`, userID,
	).Scan(&s.AverageRating); err != nil {
		return nil, fmt.Errorf("activityRepo.Stats rating: %w", err)
	}
	return s, nil
}
