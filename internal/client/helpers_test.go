package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/client/localstate"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

// fakeTransport подменяет websocket: исходящие кадры записываются, входящие
// события доставляются тестом синхронно — как единственный читатель
// соединения.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[ws.EventType]EventHandler
	emitted  []ws.IncomingMessage
	emitErr  error
	onEmit   func(ws.IncomingMessage)

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[ws.EventType]EventHandler),
		done:     make(chan struct{}),
	}
}

func (f *fakeTransport) Emit(msg ws.IncomingMessage) error {
	f.mu.Lock()
	if f.emitErr != nil {
		f.mu.Unlock()
		return f.emitErr
	}
	f.emitted = append(f.emitted, msg)
	hook := f.onEmit
	f.mu.Unlock()
	// Хук зовётся вне мьютекса: он может доставлять ответные события.
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (f *fakeTransport) On(event ws.EventType, h EventHandler) {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) setOnEmit(hook func(ws.IncomingMessage)) {
	f.mu.Lock()
	f.onEmit = hook
	f.mu.Unlock()
}

func (f *fakeTransport) setEmitErr(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sent() []ws.IncomingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ws.IncomingMessage, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// deliver доставляет событие сервера зарегистрированному обработчику.
func (f *fakeTransport) deliver(t *testing.T, event ws.EventType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "нет обработчика для события %s", event)
	h(data)
}

type testEnv struct {
	mux      *http.ServeMux
	server   *httptest.Server
	api      *API
	state    *localstate.Store
	sessions *SessionStore
	tr       *fakeTransport
}

const testUserID = "user-me"

func testSecret() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

// newTestEnv поднимает httptest-сервер с login/me и стор сессии с
// подменённым транспортом. Сторы, которым нужен транспорт, создаются до
// вызова login — привязка происходит при открытии сессии.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	state, err := localstate.Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	api := NewAPI(server.URL)
	tr := newFakeTransport()
	sessions := NewSessionStore(api, state, func(ctx context.Context, creds *Credentials) (Transport, error) {
		return tr, nil
	})

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, Credentials{
			SessionID:     "sess-1",
			SessionSecret: testSecret(),
			User:          model.UserPublic{ID: testUserID, DisplayName: "Me", Role: model.RoleHelper},
		})
	})
	mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, model.User{
			ID: testUserID, DisplayName: "Me", Role: model.RoleHelper, CreditsBalance: 100,
		})
	})

	return &testEnv{mux: mux, server: server, api: api, state: state, sessions: sessions, tr: tr}
}

func (e *testEnv) login(t *testing.T) *Session {
	t.Helper()
	sess, err := e.sessions.Login(context.Background(), "me@example.com", "password123", "dev-1", "test")
	require.NoError(t, err)
	return sess
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(v)
}

func testConversation(id string, unread int) model.ConversationView {
	return model.ConversationView{
		Conversation: model.Conversation{ID: id, CreatedBy: testUserID, CreatedAt: time.Now().UTC()},
		Participants: []model.UserPublic{
			{ID: testUserID, DisplayName: "Me"},
			{ID: "user-b", DisplayName: "B"},
		},
		UnreadCount: unread,
	}
}

func inboundMessage(convID, sender, content string) model.Message {
	return model.Message{
		ID:             "srv-" + content,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		DeliveryState:  model.DeliverySent,
		SentAt:         time.Now().UTC(),
	}
}
