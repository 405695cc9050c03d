package model

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID          string     `json:"id"`
	ProviderID  string     `json:"provider_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Credits     int64      `json:"credits"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

type Booking struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	HelperID      string        `json:"helper_id"`
	ProviderID    string        `json:"provider_id"`
	Status        BookingStatus `json:"status"`
	AgreedCredits int64         `json:"agreed_credits"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// ActivityEvent — сырое событие ленты активности; из них агрегируются
// метрики дашборда. Клиент может накапливать события офлайн и отправлять
// батчами.
type ActivityEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
