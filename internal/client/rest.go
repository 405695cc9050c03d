package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/timeslice/internal/model"
)

// Credentials — выданные сервером реквизиты сессии. Секрет приходит один раз
// в ответе login/register и больше сервером не возвращается.
type Credentials struct {
	SessionID     string           `json:"session_id"`
	SessionSecret string           `json:"session_secret"`
	User          model.UserPublic `json:"user"`
}

// API — REST-клиент TimeSlice. Каждый запрос за пределами register/login
// подписывается HMAC-SHA256: payload = метод + путь + тело + unix-timestamp,
// секрет — base64 из Credentials.
type API struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	creds *Credentials
}

func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetCredentials ставит (или сбрасывает nil-ом) реквизиты подписи запросов.
func (a *API) SetCredentials(c *Credentials) {
	a.mu.Lock()
	a.creds = c
	a.mu.Unlock()
}

func (a *API) credentials() *Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// Sign возвращает HMAC-подпись запроса в hex. Используется и для REST
// заголовков, и для query-параметров при открытии websocket.
func Sign(secretB64, method, path, body, timestamp string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", fmt.Errorf("decode session secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + path + body + timestamp))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

type apiError struct {
	Error string `json:"error"`
}

// do выполняет запрос и декодирует ответ в out (если out != nil).
// Сетевые сбои заворачиваются в FetchError, 404 — в NotFoundError,
// 400 — в ValidationError.
func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s %s: marshal: %w", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if creds := a.credentials(); creds != nil {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		// Подпись считается по pathname без query — так же проверяет сервер.
		signPath := path
		if i := strings.IndexByte(signPath, '?'); i >= 0 {
			signPath = signPath[:i]
		}
		sig, err := Sign(creds.SessionSecret, method, signPath, string(body), ts)
		if err != nil {
			return fmt.Errorf("api %s %s: %w", method, path, err)
		}
		req.Header.Set("X-Session-Id", creds.SessionID)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", sig)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fetchErr(fmt.Sprintf("api %s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return &NotFoundError{Kind: "resource", ID: path}
		case http.StatusBadRequest:
			return &ValidationError{Message: msg}
		default:
			return fetchErr(fmt.Sprintf("api %s %s", method, path),
				fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fetchErr(fmt.Sprintf("api %s %s", method, path), err)
	}
	return nil
}

// --- Auth ---

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
	DeviceID    string     `json:"device_id"`
	DeviceName  string     `json:"device_name"`
}

func (a *API) Login(ctx context.Context, req LoginRequest) (*Credentials, error) {
	var creds Credentials
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", req, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (a *API) Register(ctx context.Context, req RegisterRequest) (*Credentials, error) {
	var creds Credentials
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", req, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (a *API) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func (a *API) SwitchRole(ctx context.Context, role model.Role) (*model.UserPublic, error) {
	var user model.UserPublic
	req := struct {
		Role model.Role `json:"role"`
	}{Role: role}
	if err := a.do(ctx, http.MethodPost, "/api/auth/switch-role", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *API) Me(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := a.do(ctx, http.MethodGet, "/api/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// --- Conversations ---

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	TaskID         string   `json:"task_id,omitempty"`
	InitialMessage string   `json:"initial_message,omitempty"`
}

func (a *API) Conversations(ctx context.Context) ([]model.ConversationView, error) {
	var views []model.ConversationView
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (a *API) CreateConversation(ctx context.Context, req CreateConversationRequest) (*model.ConversationView, error) {
	var view model.ConversationView
	if err := a.do(ctx, http.MethodPost, "/api/conversations", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (a *API) Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d&offset=%d",
		url.PathEscape(conversationID), limit, offset)
	var messages []model.Message
	if err := a.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *API) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return a.do(ctx, http.MethodPost, path, nil, nil)
}

func (a *API) DeleteConversation(ctx context.Context, conversationID string) error {
	return a.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// --- Notifications ---

type NotificationList struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
}

func (a *API) Notifications(ctx context.Context) (*NotificationList, error) {
	var list NotificationList
	if err := a.do(ctx, http.MethodGet, "/api/notifications", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (a *API) MarkNotificationRead(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (a *API) MarkAllNotificationsRead(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

func (a *API) DeleteNotification(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil, nil)
}

func (a *API) ClearNotifications(ctx context.Context) error {
	return a.do(ctx, http.MethodDelete, "/api/notifications", nil, nil)
}

// --- Dashboard ---

func (a *API) DashboardSnapshot(ctx context.Context, timeRange model.TimeRange) (*model.DashboardSnapshot, error) {
	var snap model.DashboardSnapshot
	path := "/api/dashboard?range=" + url.QueryEscape(string(timeRange))
	if err := a.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type activityBatch struct {
	Events []model.ActivityEvent `json:"events"`
}

// SubmitActivityBatch отправляет офлайн-очередь событий. Сервер вставляет
// идемпотентно по id, повторная доставка безопасна.
func (a *API) SubmitActivityBatch(ctx context.Context, events []model.ActivityEvent) error {
	return a.do(ctx, http.MethodPost, "/api/activity/batch", activityBatch{Events: events}, nil)
}
