package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/metrics"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время
// выполнения, плюс инкремент счётчика Prometheus. Логирование асинхронное,
// запрос не блокируется.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(wrap.status/100)+"xx").Inc()
		logger.Infof("http %s %s status=%d dur=%s", r.Method, r.URL.Path, wrap.status, time.Since(start).Round(time.Microsecond))
	})
}
