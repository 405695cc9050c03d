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

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, task_id, created_by, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4)`,
		c.ID, c.TaskID, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, COALESCE(task_id, ''), created_by, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.TaskID, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) AddMember(ctx context.Context, m *model.ConversationMember) error {
	defer logger.DeferLogDuration("conv.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		m.ConversationID, m.UserID, m.JoinedAt, m.LastReadAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddMember: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) GetMembers(ctx context.Context, conversationID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("conv.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.display_name, u.role, u.avatar_url, u.rating, u.is_online, u.last_seen_at
		 FROM users u
		 JOIN conversation_members cm ON cm.user_id = u.id
		 WHERE cm.conversation_id = $1
		 ORDER BY cm.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 2)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.AvatarURL, &u.Rating, &u.IsOnline, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("convRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return exists, nil
}

// FindDirectBetween ищет существующий разговор ровно между двумя пользователями
// без привязки к задаче (дедупликация личных чатов).
func (r *ConversationRepository) FindDirectBetween(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirectBetween", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, COALESCE(c.task_id, ''), c.created_by, c.created_at
		 FROM conversations c
		 WHERE c.task_id IS NULL
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)
		   AND (SELECT count(*) FROM conversation_members WHERE conversation_id = c.id) = 2
		 LIMIT 1`, userA, userB,
	).Scan(&c.ID, &c.TaskID, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindDirectBetween: %w", err)
	}
	return c, nil
}

// GetUserConversations возвращает разговоры пользователя с непрочитанными,
// посчитанными от last_read_at участника (денормализованный счётчик всегда
// выводится из полного пересчёта на стороне БД).
func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.ConversationView, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, COALESCE(c.task_id, ''), c.created_by, c.created_at,
		        (SELECT count(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND m.sent_at > cm.last_read_at) AS unread
		 FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $1
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	views := make([]model.ConversationView, 0, 16)
	for rows.Next() {
		var v model.ConversationView
		if err := rows.Scan(&v.Conversation.ID, &v.Conversation.TaskID, &v.Conversation.CreatedBy, &v.Conversation.CreatedAt, &v.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return views, nil
}

// UpdateMemberLastRead двигает отметку прочтения участника (только вперёд).
func (r *ConversationRepository) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("conv.UpdateMemberLastRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET last_read_at = $1
		 WHERE conversation_id = $2 AND user_id = $3 AND last_read_at < $1`,
		t, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateMemberLastRead: %w", err)
	}
	return nil
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("conv.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("convRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
