package middleware

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/timeslice/internal/logger"
)

// responseWriter wraps http.ResponseWriter to detect if the response was already written.
// Реализует http.Hijacker для поддержки WebSocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

// Hijack делегирует к нижележащему ResponseWriter, если он реализует http.Hijacker (нужно для WebSocket).
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// RecoverJSON при панике в handler логирует её со стеком и отдаёт клиенту
// JSON 500, если ответ ещё не отправлен. http.ErrAbortHandler пробрасывается
// дальше: это штатный способ net/http прервать ответ.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Errorf("panic recovered %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			if !wrap.wrote {
				wrap.ResponseWriter.Header().Set("Content-Type", "application/json; charset=utf-8")
				wrap.ResponseWriter.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(wrap.ResponseWriter).Encode(errorBody{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(wrap, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}
