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

type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Create(ctx context.Context, t *model.Task) error {
	defer logger.DeferLogDuration("task.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tasks (id, provider_id, title, description, credits, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ProviderID, t.Title, t.Description, t.Credits, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskRepo.Create: %w", err)
	}
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*model.Task, error) {
	defer logger.DeferLogDuration("task.GetByID", time.Now())()
	t := &model.Task{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, provider_id, title, description, credits, status, created_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.ProviderID, &t.Title, &t.Description, &t.Credits, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.GetByID: %w", err)
	}
	return t, nil
}

func (r *TaskRepository) ListOpen(ctx context.Context, limit, offset int) ([]model.Task, error) {
	defer logger.DeferLogDuration("task.ListOpen", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, provider_id, title, description, credits, status, created_at
		 FROM tasks WHERE status = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, model.TaskOpen, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.ListOpen query: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0, limit)
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.ProviderID, &t.Title, &t.Description, &t.Credits, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("taskRepo.ListOpen scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskRepo.ListOpen rows: %w", err)
	}
	return tasks, nil
}

// SetStatus переводит задачу в новый статус только из ожидаемого текущего
// (защита от двойного назначения).
func (r *TaskRepository) SetStatus(ctx context.Context, id string, from, to model.TaskStatus) (bool, error) {
	defer logger.DeferLogDuration("task.SetStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3`, to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("taskRepo.SetStatus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type BookingRepository struct {
	pool *pgxpool.Pool
}

func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Create(ctx context.Context, b *model.Booking) error {
	defer logger.DeferLogDuration("booking.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bookings (id, task_id, helper_id, provider_id, status, agreed_credits, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.TaskID, b.HelperID, b.ProviderID, b.Status, b.AgreedCredits, b.CreatedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("bookingRepo.Create: %w", err)
	}
	return nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	defer logger.DeferLogDuration("booking.GetByID", time.Now())()
	b := &model.Booking{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, task_id, helper_id, provider_id, status, agreed_credits, created_at, completed_at
		 FROM bookings WHERE id = $1`, id,
	).Scan(&b.ID, &b.TaskID, &b.HelperID, &b.ProviderID, &b.Status, &b.AgreedCredits, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookingRepo.GetByID: %w", err)
	}
	return b, nil
}

func (r *BookingRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Booking, error) {
	defer logger.DeferLogDuration("booking.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, task_id, helper_id, provider_id, status, agreed_credits, created_at, completed_at
		 FROM bookings
		 WHERE helper_id = $1 OR provider_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("bookingRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	bookings := make([]model.Booking, 0, limit)
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(&b.ID, &b.TaskID, &b.HelperID, &b.ProviderID, &b.Status, &b.AgreedCredits, &b.CreatedAt, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("bookingRepo.ListByUser scan: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookingRepo.ListByUser rows: %w", err)
	}
	return bookings, nil
}

// SetStatus переводит бронирование из ожидаемого статуса; для completed
// проставляет completed_at.
func (r *BookingRepository) SetStatus(ctx context.Context, id string, from, to model.BookingStatus) (bool, error) {
	defer logger.DeferLogDuration("booking.SetStatus", time.Now())()
	var tagRows int64
	if to == model.BookingCompleted {
		tag, err := r.pool.Exec(ctx,
			`UPDATE bookings SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
			to, time.Now().UTC(), id, from,
		)
		if err != nil {
			return false, fmt.Errorf("bookingRepo.SetStatus: %w", err)
		}
		tagRows = tag.RowsAffected()
	} else {
		tag, err := r.pool.Exec(ctx,
			`UPDATE bookings SET status = $1 WHERE id = $2 AND status = $3`, to, id, from,
		)
		if err != nil {
			return false, fmt.Errorf("bookingRepo.SetStatus: %w", err)
		}
		tagRows = tag.RowsAffected()
	}
	return tagRows > 0, nil
}
