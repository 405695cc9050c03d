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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, delivery_state, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.DeliveryState, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.delivery_state, m.sent_at,
		        u.id, u.username, u.display_name, u.role, u.avatar_url, u.rating, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryState, &m.SentAt,
		&sender.ID, &sender.Username, &sender.DisplayName, &sender.Role, &sender.AvatarURL, &sender.Rating, &sender.IsOnline, &sender.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	m.Sender = sender
	return m, nil
}

func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.delivery_state, m.sent_at,
		        u.id, u.username, u.display_name, u.role, u.avatar_url, u.rating, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.sent_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryState, &m.SentAt,
			&sender.ID, &sender.Username, &sender.DisplayName, &sender.Role, &sender.AvatarURL, &sender.Rating, &sender.IsOnline, &sender.LastSeenAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, content, delivery_state, sent_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY sent_at DESC
		 LIMIT 1`, conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryState, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}

// MarkDelivered помечает сообщение доставленным (после подтверждения транспортом).
func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET delivery_state = $1 WHERE id = $2 AND delivery_state = $3`,
		model.DeliveryDelivered, id, model.DeliverySent,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	return nil
}

// CountUnread пересчитывает непрочитанные для участника от его last_read_at.
func (r *MessageRepository) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages m
		 JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		 WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.sent_at > cm.last_read_at`,
		conversationID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return n, nil
}
