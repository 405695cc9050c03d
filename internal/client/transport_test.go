package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

// wsTestServer поднимает настоящий websocket-эндпоинт и проверяет подпись
// рукопожатия так же, как серверный middleware.
type wsTestServer struct {
	server *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T, creds *Credentials) *wsTestServer {
	t.Helper()
	s := &wsTestServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, creds.SessionID, q.Get("session_id"))
		want, err := Sign(creds.SessionSecret, "GET", "/ws", "", q.Get("timestamp"))
		require.NoError(t, err)
		require.Equal(t, want, q.Get("signature"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsTestServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) > 0
	}, time.Second, 5*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *wsTestServer) push(t *testing.T, frame any) {
	t.Helper()
	require.NoError(t, s.conn(t).WriteJSON(frame))
}

func testCreds() *Credentials {
	return &Credentials{SessionID: "sess-1", SessionSecret: testSecret()}
}

func TestDialTransport_SignedHandshakeAndDispatchOrder(t *testing.T) {
	t.Parallel()
	creds := testCreds()
	srv := newWSTestServer(t, creds)

	tr, err := DialTransport(context.Background(), srv.server.URL, creds)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	var mu sync.Mutex
	var got []string
	tr.On(ws.EventMessage, func(payload json.RawMessage) {
		var m model.Message
		require.NoError(t, json.Unmarshal(payload, &m))
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
	})

	for _, content := range []string{"один", "два", "три"} {
		srv.push(t, ws.OutgoingMessage{Type: ws.EventMessage, Payload: model.Message{Content: content}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"один", "два", "три"}, got)
	mu.Unlock()
}

func TestTransport_BadEventDoesNotBlockNext(t *testing.T) {
	t.Parallel()
	creds := testCreds()
	srv := newWSTestServer(t, creds)

	tr, err := DialTransport(context.Background(), srv.server.URL, creds)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	var mu sync.Mutex
	var got []string
	tr.On(ws.EventNotification, func(payload json.RawMessage) {
		var n model.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			panic(err) // обработчик падает на битом payload
		}
		mu.Lock()
		got = append(got, n.ID)
		mu.Unlock()
	})

	srv.push(t, map[string]any{"type": "notification", "payload": "не объект"})
	srv.push(t, ws.OutgoingMessage{Type: ws.EventNotification, Payload: model.Notification{ID: "n-ok"}})

	// Паника обработчика изолирована: следующее событие доставлено.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "n-ok"
	}, time.Second, 5*time.Millisecond)
}

func TestTransport_EmitReachesServer(t *testing.T) {
	t.Parallel()
	creds := testCreds()
	srv := newWSTestServer(t, creds)

	tr, err := DialTransport(context.Background(), srv.server.URL, creds)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	require.NoError(t, tr.Emit(ws.IncomingMessage{
		Type: ws.EventSendMessage, ConversationID: "conv-1", Content: "привет", ClientRef: "ref-1",
	}))

	var msg ws.IncomingMessage
	require.NoError(t, srv.conn(t).ReadJSON(&msg))
	assert.Equal(t, ws.EventSendMessage, msg.Type)
	assert.Equal(t, "ref-1", msg.ClientRef)
}

func TestTransport_CloseStopsEmit(t *testing.T) {
	t.Parallel()
	creds := testCreds()
	srv := newWSTestServer(t, creds)

	tr, err := DialTransport(context.Background(), srv.server.URL, creds)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	err = tr.Emit(ws.IncomingMessage{Type: ws.EventSendMessage})
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done должен быть закрыт после Close")
	}
}
