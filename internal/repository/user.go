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

var ErrNotFound = errors.New("not found")

// ErrInsufficientCredits возвращается при попытке списать больше, чем есть на балансе.
var ErrInsufficientCredits = errors.New("insufficient credits")

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, username, email, password_hash, display_name, role, credits_balance, avatar_url, rating, last_seen_at, is_online, created_at, disabled_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreditsBalance, &u.AvatarURL, &u.Rating, &u.LastSeenAt, &u.IsOnline, &u.CreatedAt, &u.DisabledAt)
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, role, credits_balance, avatar_url, rating, last_seen_at, is_online, created_at, disabled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.CreditsBalance, u.AvatarURL, u.Rating, u.LastSeenAt, u.IsOnline, u.CreatedAt, u.DisabledAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByEmail: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByUsername", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByUsername: %w", err)
	}
	return u, nil
}

func (r *UserRepository) SetOnline(ctx context.Context, id string, online bool) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
		online, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	return nil
}

// SetRole переключает роль пользователя (helper ↔ provider).
func (r *UserRepository) SetRole(ctx context.Context, id string, role model.Role) error {
	defer logger.DeferLogDuration("user.SetRole", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $1 WHERE id = $2`, role, id)
	if err != nil {
		return fmt.Errorf("userRepo.SetRole: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransferCredits атомарно переводит кредиты от from к to в одной транзакции.
// Баланс отправителя не может уйти в минус.
func (r *UserRepository) TransferCredits(ctx context.Context, fromID, toID string, amount int64) error {
	defer logger.DeferLogDuration("user.TransferCredits", time.Now())()
	if amount <= 0 {
		return fmt.Errorf("userRepo.TransferCredits: amount must be positive")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("userRepo.TransferCredits begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance - $1 WHERE id = $2 AND credits_balance >= $1`,
		amount, fromID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.TransferCredits debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance + $1 WHERE id = $2`,
		amount, toID,
	); err != nil {
		return fmt.Errorf("userRepo.TransferCredits credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("userRepo.TransferCredits commit: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id, displayName, avatarURL string) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET display_name = $1, avatar_url = $2 WHERE id = $3`,
		displayName, avatarURL, id,
	)
	if err != nil {
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Search ищет по username и display_name (регистронезависимо, по подстроке).
func (r *UserRepository) Search(ctx context.Context, query string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE (username ILIKE '%' || $1 || '%' OR display_name ILIKE '%' || $1 || '%')
		   AND disabled_at IS NULL
		 ORDER BY username
		 LIMIT $2`, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Search query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.Search scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Search rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) UpdateRating(ctx context.Context, id string, rating float64) error {
	defer logger.DeferLogDuration("user.UpdateRating", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE users SET rating = $1 WHERE id = $2`, rating, id)
	if err != nil {
		return fmt.Errorf("userRepo.UpdateRating: %w", err)
	}
	return nil
}
