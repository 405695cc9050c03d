package ws

import (
	"encoding/json"

	"github.com/timeslice/internal/model"
)

type EventType string

// Server → client events.
const (
	EventMessage             EventType = "message"
	EventMessageAck          EventType = "message_ack"
	EventErrorAck            EventType = "error_ack"
	EventConversationCreated EventType = "conversation_created"
	EventConversationUpdated EventType = "conversation_updated"
	EventTyping              EventType = "typing"
	EventNotification        EventType = "notification"
	EventNotificationRead    EventType = "notification_read"
	EventDashboardUpdate     EventType = "dashboard_update"
	EventStatsUpdate         EventType = "stats_update"
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
	EventError               EventType = "error"
)

// Client → server events.
const (
	EventSendMessage              EventType = "send_message"
	EventMarkConversationRead     EventType = "mark_conversation_read"
	EventMarkNotificationRead     EventType = "mark_notification_read"
	EventMarkAllNotificationsRead EventType = "mark_all_notifications_read"
	EventDeleteNotification       EventType = "delete_notification"
	EventClearAllNotifications    EventType = "clear_all_notifications"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"content,omitempty"`

	// ClientRef — клиентский идентификатор отправки; возвращается в message_ack /
	// error_ack, чтобы клиент сверил оптимистичное сообщение с подтверждением.
	ClientRef string `json:"client_ref,omitempty"`

	// For notification operations
	NotificationID string `json:"notification_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads for hot-path (avoid map[string]any allocations) ---

// MessageAckPayload подтверждает доставку send_message отправителю.
type MessageAckPayload struct {
	ClientRef string         `json:"client_ref"`
	Message   *model.Message `json:"message"`
}

// ErrorAckPayload сообщает отправителю о невозможности доставить send_message.
type ErrorAckPayload struct {
	ClientRef string `json:"client_ref"`
	Reason    string `json:"reason"`
}

// ConversationUpdatedPayload is broadcast when a conversation summary changes
// (new last message, participant read position).
type ConversationUpdatedPayload struct {
	ConversationID string         `json:"conversation_id"`
	LastMessage    *model.Message `json:"last_message,omitempty"`
	ReadBy         string         `json:"read_by,omitempty"`
}

// TypingPayload is broadcast when a user is typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// NotificationSyncAction — действие синхронизации инбокса уведомлений
// между устройствами одного пользователя.
type NotificationSyncAction string

const (
	NotificationActionRead    NotificationSyncAction = "read"
	NotificationActionReadAll NotificationSyncAction = "read_all"
	NotificationActionDeleted NotificationSyncAction = "deleted"
	NotificationActionCleared NotificationSyncAction = "cleared"
)

// NotificationReadPayload is sent to the user's own connections after a
// read/delete/clear operation so every device converges.
type NotificationReadPayload struct {
	Action         NotificationSyncAction `json:"action"`
	NotificationID string                 `json:"notification_id,omitempty"`
}

// DashboardUpdatePayload обновляет конкретную метрику без полного рефреша.
type DashboardUpdatePayload struct {
	Metric string          `json:"metric"`
	Value  json.RawMessage `json:"value"`
}

// StatsUpdatePayload is pushed after an action that changes aggregate stats
// (booking completed, credits transferred).
type StatsUpdatePayload struct {
	Stats *model.DashboardStats `json:"stats"`
}

// UserStatusPayload is broadcast for online/offline status.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
