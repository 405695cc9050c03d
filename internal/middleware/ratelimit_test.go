package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP_IgnoresForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("X-Real-Ip", "10.0.0.2")
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")

	// Заголовки разбирает chi middleware.RealIP до нас; сырые значения здесь
	// не авторитетны.
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

func TestClientIP_AcceptsBareHostFromRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	// RealIP переписывает RemoteAddr на адрес без порта.
	r.RemoteAddr = "198.51.100.4"
	assert.Equal(t, "198.51.100.4", clientIP(r))
}

func TestLimiter_WindowQuota(t *testing.T) {
	l := newLimiter(2, time.Minute)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	// Другой ключ живёт своей квотой.
	assert.True(t, l.allow("b"))
}

func TestRateLimitAPI_ForgedForwardedForDoesNotResetQuota(t *testing.T) {
	h := RateLimitAPI(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	last := 0
	for i := 0; i <= limitPerIP; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		r.RemoteAddr = "192.0.2.50:40000"
		// Клиент без прокси подсовывает на каждый запрос новый адрес.
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.%d.%d", i/256, i%256))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		last = w.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}
