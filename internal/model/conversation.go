package model

import "time"

type Conversation struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"` // пустой = чат создан вручную, не из бронирования
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ConversationMember struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// ConversationView — разговор с данными для списка: участники, последнее
// сообщение и количество непрочитанных для текущего пользователя.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Participants []UserPublic `json:"participants"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
