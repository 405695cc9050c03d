package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Лимиты подобраны под маркетплейс: анонимный трафик (регистрация, просмотр
// задач) считается по IP, авторизованный — ещё и по user_id, чтобы один
// пользователь за NAT не съедал квоту остальных.
const (
	limitWindow  = time.Minute
	limitPerIP   = 240
	limitPerUser = 120
)

// bucket — счётчик запросов в фиксированном окне. Точность границы окна не
// критична для этих лимитов, зато нет хранения каждого запроса.
type bucket struct {
	windowStart time.Time
	count       int
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
}

func newLimiter(max int, window time.Duration) *limiter {
	return &limiter{buckets: make(map[string]*bucket), max: max, window: window}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		// Попутно чистим давно молчащие ключи, чтобы карта не росла вечно.
		if len(l.buckets) > 10000 {
			for k, old := range l.buckets {
				if now.Sub(old.windowStart) >= 2*l.window {
					delete(l.buckets, k)
				}
			}
		}
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

var (
	byIP   = newLimiter(limitPerIP, limitWindow)
	byUser = newLimiter(limitPerUser, limitWindow)
)

// clientIP берёт адрес из RemoteAddr. Доверие заголовкам X-Forwarded-For и
// X-Real-Ip — забота chi middleware.RealIP, который стоит раньше в цепочке и
// переписывает RemoteAddr сам; здесь их читать нельзя, иначе клиент без
// прокси получает свежий ключ лимитера на каждый запрос.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitAPI отбивает превышение квоты запросов 429-м. IP проверяется
// всегда, user_id — когда запрос уже прошёл аутентификацию.
func RateLimitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !byIP.allow("ip:" + clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if userID := GetUserID(r.Context()); userID != "" && !byUser.allow("u:"+userID) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
