package model

import (
	"encoding/json"
	"time"
)

type NotificationType string

const (
	NotificationTaskApplication NotificationType = "task_application"
	NotificationPaymentReceived NotificationType = "payment_received"
	NotificationTaskCompleted   NotificationType = "task_completed"
	NotificationNewMessage      NotificationType = "new_message"
	NotificationReviewReceived  NotificationType = "review_received"
	NotificationTaskReminder    NotificationType = "task_reminder"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Data      json.RawMessage      `json:"data,omitempty"` // полезная нагрузка, зависит от типа
	Read      bool                 `json:"read"`
	Priority  NotificationPriority `json:"priority"`
	CreatedAt time.Time            `json:"created_at"`
}
