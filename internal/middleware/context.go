package middleware

import (
	"context"
	"strings"
)

type contextKey string

// UserIDKey — идентификатор пользователя, положенный SessionAuth после
// успешной проверки подписи.
const UserIDKey contextKey = "user_id"

func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// MaskSessionID обрезает session_id для логов: полный идентификатор в логах
// не светим.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
