package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

type flakyAlerter struct {
	calls int32
	err   error
	panic bool
}

func (a *flakyAlerter) Alert(n model.Notification) error {
	atomic.AddInt32(&a.calls, 1)
	if a.panic {
		panic("alert backend down")
	}
	return a.err
}

func newNotificationEnv(t *testing.T, alerter Alerter) (*testEnv, *NotificationStore) {
	t.Helper()
	env := newTestEnv(t)
	st := NewNotificationStore(env.api, env.sessions, alerter)
	t.Cleanup(st.Close)
	env.mux.HandleFunc("POST /api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.mux.HandleFunc("POST /api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{"status": "ok"})
	})
	env.mux.HandleFunc("DELETE /api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.mux.HandleFunc("DELETE /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.login(t)
	return env, st
}

func testNotification(id string, read bool) model.Notification {
	return model.Notification{
		ID:        id,
		UserID:    testUserID,
		Type:      model.NotificationNewMessage,
		Title:     "Новое сообщение",
		Message:   "Сообщение от B",
		Read:      read,
		Priority:  model.PriorityMedium,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMarkAsRead_Idempotent(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.tr.deliver(t, ws.EventNotification, testNotification("n-1", false))
	env.tr.deliver(t, ws.EventNotification, testNotification("n-2", false))
	require.Equal(t, 2, st.UnreadCount())

	require.NoError(t, st.MarkAsRead(context.Background(), "n-1"))
	assert.Equal(t, 1, st.UnreadCount())

	// Повторное прочтение — no-op, счётчик не вычитается дважды.
	require.NoError(t, st.MarkAsRead(context.Background(), "n-1"))
	require.NoError(t, st.MarkAsRead(context.Background(), "n-1"))
	assert.Equal(t, 1, st.UnreadCount())
}

func TestMarkAllAsRead_Scenario(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, NotificationList{
			Notifications: []model.Notification{
				testNotification("n-1", false),
				testNotification("n-2", true),
				testNotification("n-3", false),
				testNotification("n-4", true),
				testNotification("n-5", false),
			},
			UnreadCount: 3,
		})
	})
	require.NoError(t, st.LoadNotifications(context.Background()))
	require.Equal(t, 3, st.UnreadCount())

	require.NoError(t, st.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, st.UnreadCount())
	for _, n := range st.Notifications() {
		assert.True(t, n.Read)
	}

	// Повторный вызов идемпотентен.
	require.NoError(t, st.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, st.UnreadCount())
}

func TestDeleteNotification_DecrementsOnlyUnread(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.tr.deliver(t, ws.EventNotification, testNotification("n-unread", false))
	env.tr.deliver(t, ws.EventNotification, testNotification("n-read", true))
	require.Equal(t, 1, st.UnreadCount())

	require.NoError(t, st.DeleteNotification(context.Background(), "n-read"))
	assert.Equal(t, 1, st.UnreadCount())

	require.NoError(t, st.DeleteNotification(context.Background(), "n-unread"))
	assert.Equal(t, 0, st.UnreadCount())

	// Счётчик не уходит в минус даже при лишних операциях.
	err := st.DeleteNotification(context.Background(), "n-unread")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, st.UnreadCount())
}

func TestClearAll_EmptiesListAndCounter(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.tr.deliver(t, ws.EventNotification, testNotification("n-1", false))
	env.tr.deliver(t, ws.EventNotification, testNotification("n-2", false))

	require.NoError(t, st.ClearAll(context.Background()))
	assert.Empty(t, st.Notifications())
	assert.Equal(t, 0, st.UnreadCount())
}

func TestInboundNotification_PrependsNewestFirst(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.tr.deliver(t, ws.EventNotification, testNotification("n-old", false))
	env.tr.deliver(t, ws.EventNotification, testNotification("n-new", false))

	list := st.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, "n-new", list[0].ID)
	assert.Equal(t, "n-old", list[1].ID)
	assert.Equal(t, 2, st.UnreadCount())
}

func TestInboundNotification_AlerterFailureIsolated(t *testing.T) {
	t.Parallel()
	alerter := &flakyAlerter{err: errors.New("permission denied")}
	env, st := newNotificationEnv(t, alerter)

	env.tr.deliver(t, ws.EventNotification, testNotification("n-1", false))
	assert.Equal(t, int32(1), atomic.LoadInt32(&alerter.calls))
	assert.Equal(t, 1, st.UnreadCount())
	assert.Len(t, st.Notifications(), 1)
}

func TestInboundNotification_AlerterPanicIsolated(t *testing.T) {
	t.Parallel()
	alerter := &flakyAlerter{panic: true}
	env, st := newNotificationEnv(t, alerter)

	require.NotPanics(t, func() {
		env.tr.deliver(t, ws.EventNotification, testNotification("n-1", false))
	})
	assert.Equal(t, 1, st.UnreadCount())
}

func TestNotificationSync_IdempotentAcrossDevices(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.tr.deliver(t, ws.EventNotification, testNotification("n-1", false))
	env.tr.deliver(t, ws.EventNotification, testNotification("n-2", false))

	// То же уведомление прочитано на другом устройстве — дважды.
	sync := ws.NotificationReadPayload{Action: ws.NotificationActionRead, NotificationID: "n-1"}
	env.tr.deliver(t, ws.EventNotificationRead, sync)
	env.tr.deliver(t, ws.EventNotificationRead, sync)
	assert.Equal(t, 1, st.UnreadCount())

	env.tr.deliver(t, ws.EventNotificationRead, ws.NotificationReadPayload{Action: ws.NotificationActionCleared})
	assert.Empty(t, st.Notifications())
	assert.Equal(t, 0, st.UnreadCount())
}

func TestTypedFactories_BuildCorrectPayload(t *testing.T) {
	t.Parallel()
	_, st := newNotificationEnv(t, nil)

	st.NotifyPayment(40, "Помощь с переездом")
	st.NotifyTaskApplication("task-1", "Помощь с переездом", "B")

	list := st.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, model.NotificationTaskApplication, list[0].Type)
	assert.Equal(t, model.NotificationPaymentReceived, list[1].Type)
	assert.Equal(t, 2, st.UnreadCount())

	var data map[string]string
	require.NoError(t, json.Unmarshal(list[0].Data, &data))
	assert.Equal(t, "task-1", data["task_id"])
}

func TestNotificationStore_LoadRecountsFromList(t *testing.T) {
	t.Parallel()
	env, st := newNotificationEnv(t, nil)
	env.mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, NotificationList{
			Notifications: []model.Notification{
				testNotification("n-1", false),
				testNotification("n-2", true),
			},
			// Счётчик считается по списку, а не берётся на веру.
			UnreadCount: 99,
		})
	})
	require.NoError(t, st.LoadNotifications(context.Background()))
	assert.Equal(t, 1, st.UnreadCount())
}
