package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/ws"
)

// EventHandler получает сырой payload входящего события.
type EventHandler func(payload json.RawMessage)

// Transport — push-канал сервера. Обработчики регистрируются один раз на
// стор; входящие события диспетчеризуются строго в порядке доставки.
// Закрытый транспорт не трогает применённое состояние сторов: к ним можно
// привязать новый транспорт, и доставка продолжится без потерь уже
// применённого.
type Transport interface {
	Emit(msg ws.IncomingMessage) error
	On(event ws.EventType, h EventHandler)
	Close() error
	// Done закрывается, когда транспорт умер (для внешнего переподключения).
	Done() <-chan struct{}
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex // сериализует исходящие кадры

	handlerMu sync.RWMutex
	handlers  map[ws.EventType]EventHandler

	closeOnce sync.Once
	done      chan struct{}
}

// serverFrame — кадр сервера; payload декодируется обработчиком по типу события.
type serverFrame struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DialTransport открывает websocket к /ws сервера API. Запрос подписывается
// теми же реквизитами сессии, что и REST (session_id/timestamp/signature в
// query — заголовки при upgrade из браузера недоступны).
func DialTransport(ctx context.Context, baseURL string, creds *Credentials) (Transport, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("dial transport: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := Sign(creds.SessionSecret, "GET", u.Path, "", ts)
	if err != nil {
		return nil, fmt.Errorf("dial transport: %w", err)
	}
	q := u.Query()
	q.Set("session_id", creds.SessionID)
	q.Set("timestamp", ts)
	q.Set("signature", sig)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fetchErr("dial transport", err)
	}

	t := &wsTransport{
		conn:     conn,
		handlers: make(map[ws.EventType]EventHandler),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) On(event ws.EventType, h EventHandler) {
	t.handlerMu.Lock()
	t.handlers[event] = h
	t.handlerMu.Unlock()
}

func (t *wsTransport) Emit(msg ws.IncomingMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return fetchErr("transport emit", fmt.Errorf("transport closed"))
	default:
	}
	if err := t.conn.WriteJSON(msg); err != nil {
		return fetchErr("transport emit", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

// readLoop — единственный читатель соединения: события применяются к сторам
// строго в порядке доставки. Битое событие логируется и пропускается, оно не
// должно валить стор и блокировать следующие.
func (t *wsTransport) readLoop() {
	defer t.Close()
	for {
		var frame serverFrame
		if err := t.conn.ReadJSON(&frame); err != nil {
			select {
			case <-t.done:
			default:
				logger.Errorf("transport read: %v", err)
			}
			return
		}
		t.dispatch(frame)
	}
}

func (t *wsTransport) dispatch(frame serverFrame) {
	t.handlerMu.RLock()
	h := t.handlers[frame.Type]
	t.handlerMu.RUnlock()
	if h == nil {
		logger.Debugf("transport: нет обработчика для события %s", frame.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("transport: обработчик %s паника: %v", frame.Type, r)
		}
	}()
	h(frame.Payload)
}
