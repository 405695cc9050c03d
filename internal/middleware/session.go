package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/repository"
	"github.com/timeslice/internal/storage"
)

const TimestampSkew = 30 * time.Second

// authParams — session_id/timestamp/signature из заголовков или, для WebSocket
// (где заголовки не задать из браузера), из query.
type authParams struct {
	sessionID string
	timestamp string
	signature string
}

func readAuthParams(r *http.Request) (authParams, bool) {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	p := authParams{
		sessionID: pick("X-Session-Id", "session_id"),
		timestamp: pick("X-Timestamp", "timestamp"),
		signature: pick("X-Signature", "signature"),
	}
	return p, p.sessionID != "" && p.timestamp != "" && p.signature != ""
}

func timestampFresh(timestamp string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	reqTime := time.Unix(ts, 0)
	return time.Since(reqTime) <= TimestampSkew && time.Until(reqTime) <= TimestampSkew
}

// verifySignature проверяет HMAC-SHA256 от method + path + body + timestamp.
// Подпись — hex, секрет — base64 от 32 байт.
func verifySignature(secretB64 string, p authParams, method, path string, body []byte) bool {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(secret) != 32 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	mac.Write([]byte(p.timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(p.signature), []byte(expected))
}

func denyAuth(w http.ResponseWriter) {
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}

func SessionAuth(sessionRepo *repository.SessionRepository, store storage.SessionSecretStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := readAuthParams(r)
			if !ok {
				denyAuth(w)
				return
			}
			if !timestampFresh(p.timestamp) {
				denyAuth(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// session_secret хранится в store (Redis или in-memory в -dev).
			secretB64, err := store.GetSessionSecret(r.Context(), p.sessionID)
			if err != nil || secretB64 == "" {
				denyAuth(w)
				return
			}
			if !verifySignature(secretB64, p, r.Method, r.URL.Path, body) {
				denyAuth(w)
				return
			}
			session, err := sessionRepo.GetByID(r.Context(), p.sessionID)
			if err != nil || session == nil {
				denyAuth(w)
				return
			}
			if err := sessionRepo.UpdateLastSeen(r.Context(), p.sessionID, time.Now().UTC()); err != nil {
				logger.Errorf("session middleware UpdateLastSeen session_id=%s: %v", MaskSessionID(p.sessionID), err)
			}
			ctx := context.WithValue(r.Context(), UserIDKey, session.UserID)
			ctx = context.WithValue(ctx, SessionIDKey, p.sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var SessionIDKey contextKey = "session_id"

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
