package model

import "time"

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	DeliveryState  DeliveryState `json:"delivery_state"`
	// ClientRef — клиентский идентификатор для сверки оптимистичной отправки
	// с подтверждением сервера. Не сохраняется в БД.
	ClientRef string      `json:"client_ref,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
	Sender    *UserPublic `json:"sender,omitempty"`
}
