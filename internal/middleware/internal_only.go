package middleware

import (
	"net"
	"net/http"
	"os"
	"strings"
)

// InternalOnly закрывает служебные эндпоинты (/metrics, /internal/validate)
// от внешнего мира: пропускаются запросы из приватной сети, а между
// контейнерами в разных сетях — по заголовку X-Internal-Secret, равному
// INTERNAL_VALIDATE_SECRET.
func InternalOnly(next http.Handler) http.Handler {
	secret := strings.TrimSpace(os.Getenv("INTERNAL_VALIDATE_SECRET"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && r.Header.Get("X-Internal-Secret") == secret {
			next.ServeHTTP(w, r)
			return
		}
		if ip := peerIP(r); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func peerIP(r *http.Request) net.IP {
	s := r.Header.Get("X-Real-Ip")
	if s == "" {
		s = r.Header.Get("X-Forwarded-For")
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
	}
	if s == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s = host
	}
	return net.ParseIP(s)
}
