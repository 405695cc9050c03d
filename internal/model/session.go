package model

import "time"

// Session — устройство, вошедшее в аккаунт. На пару (user_id, device_id)
// живёт не больше одной сессии; повторный вход с того же устройства
// перевыпускает секрет. Несколько живых сессий одного пользователя — это
// несколько устройств, между которыми сервер синхронизирует инбокс
// уведомлений и позиции прочтения.
type Session struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	// SecretHash — SHA-256 от секрета подписи; сам секрет в БД не попадает.
	SecretHash string     `json:"-"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
