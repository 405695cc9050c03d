package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

func newConversationEnv(t *testing.T) (*testEnv, *ConversationStore) {
	t.Helper()
	env := newTestEnv(t)
	st := NewConversationStore(env.api, env.sessions)
	t.Cleanup(st.Close)
	env.mux.HandleFunc("POST /api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.login(t)
	return env, st
}

func TestSendMessage_OrderMatchesCallOrder(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	first, err := st.SendMessage("conv-1", "первое")
	require.NoError(t, err)
	second, err := st.SendMessage("conv-1", "второе")
	require.NoError(t, err)
	third, err := st.SendMessage("conv-1", "третье")
	require.NoError(t, err)

	// Подтверждения приходят в обратном порядке — порядок сообщений обязан
	// остаться порядком вызовов.
	for _, m := range []*model.Message{third, first, second} {
		env.tr.deliver(t, ws.EventMessageAck, ws.MessageAckPayload{
			ClientRef: m.ClientRef,
			Message: &model.Message{
				ID: "srv-" + m.ClientRef, ConversationID: "conv-1",
				SenderID: testUserID, Content: m.Content, SentAt: time.Now().UTC(),
			},
		})
	}

	msgs := st.Messages("conv-1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "первое", msgs[0].Content)
	assert.Equal(t, "второе", msgs[1].Content)
	assert.Equal(t, "третье", msgs[2].Content)
	for _, m := range msgs {
		assert.Equal(t, model.DeliverySent, m.DeliveryState)
	}
}

func TestSendMessage_AckFromReadGoroutine(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	// Подтверждение прилетает с горутины чтения транспорта сразу после
	// отправки кадра, параллельно с возвратом из SendMessage. Возвращаемый
	// снимок и ack не должны трогать одно состояние без синхронизации.
	var acks sync.WaitGroup
	env.tr.setOnEmit(func(frame ws.IncomingMessage) {
		acks.Add(1)
		go func() {
			defer acks.Done()
			env.tr.deliver(t, ws.EventMessageAck, ws.MessageAckPayload{
				ClientRef: frame.ClientRef,
				Message: &model.Message{
					ID: "srv-" + frame.ClientRef, ConversationID: frame.ConversationID,
					SenderID: testUserID, Content: frame.Content, SentAt: time.Now().UTC(),
				},
			})
		}()
	})

	for i := 0; i < 50; i++ {
		msg, err := st.SendMessage("conv-1", "наперегонки с подтверждением")
		require.NoError(t, err)
		require.NotEmpty(t, msg.ClientRef)
	}
	acks.Wait()

	msgs := st.Messages("conv-1")
	require.Len(t, msgs, 50)
	for _, m := range msgs {
		assert.Equal(t, model.DeliverySent, m.DeliveryState)
	}
}

func TestSendMessage_EmitFailureMarksFailed(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	env.tr.setEmitErr(errors.New("connection reset"))

	_, err := st.SendMessage("conv-1", "не дойдёт")
	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)

	// Сообщение не исчезает и не висит pending — оно видно как failed.
	msgs := st.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DeliveryFailed, msgs[0].DeliveryState)
}

func TestSendMessage_AckTimeoutMarksFailed(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	st.ackTimeout = 20 * time.Millisecond
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	_, err := st.SendMessage("conv-1", "в пустоту")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := st.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].DeliveryState == model.DeliveryFailed
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessage_LateAckAfterTimeoutIgnored(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	st.ackTimeout = 10 * time.Millisecond
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	msg, err := st.SendMessage("conv-1", "поздно")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.Messages("conv-1")[0].DeliveryState == model.DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	env.tr.deliver(t, ws.EventMessageAck, ws.MessageAckPayload{
		ClientRef: msg.ClientRef,
		Message:   &model.Message{ID: "srv-1", ConversationID: "conv-1", Content: "поздно"},
	})
	assert.Equal(t, model.DeliveryFailed, st.Messages("conv-1")[0].DeliveryState)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	t.Parallel()
	_, st := newConversationEnv(t)
	_, err := st.SendMessage("conv-missing", "привет")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestInboundMessage_InactiveConversationIncrementsCounters(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-2", 0))
	st.SetActiveConversation("conv-2")

	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "эй"))

	assert.Equal(t, 1, st.Unread("conv-1"))
	assert.Equal(t, 1, st.TotalUnread())
}

func TestInboundMessage_ActiveConversationExemption(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	st.SetActiveConversation("conv-1")

	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "эй"))

	assert.Equal(t, 0, st.Unread("conv-1"))
	assert.Equal(t, 0, st.TotalUnread())

	// Освобождение оценивается в момент получения: после ухода из разговора
	// те же события уже считаются.
	st.SetActiveConversation("")
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "ещё"))
	assert.Equal(t, 1, st.Unread("conv-1"))
	assert.Equal(t, 1, st.TotalUnread())
}

func TestInboundMessage_OwnEchoDoesNotCount(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", testUserID, "моё с другого устройства"))

	assert.Equal(t, 0, st.Unread("conv-1"))
	assert.Equal(t, 0, st.TotalUnread())
	assert.Len(t, st.Messages("conv-1"), 1)
}

func TestInboundMessage_DuplicateByIDIgnored(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	m := inboundMessage("conv-1", "user-b", "раз")
	env.tr.deliver(t, ws.EventMessage, m)
	env.tr.deliver(t, ws.EventMessage, m)

	assert.Len(t, st.Messages("conv-1"), 1)
	assert.Equal(t, 1, st.TotalUnread())
}

func TestUnreadEqualsRecount(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-2", 0))

	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "a"))
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "b"))
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-2", "user-b", "c"))

	recount := 0
	for _, v := range st.Conversations() {
		recount += v.UnreadCount
	}
	assert.Equal(t, recount, st.TotalUnread())
	assert.Equal(t, 3, st.TotalUnread())

	require.NoError(t, st.MarkConversationRead(context.Background(), "conv-1"))
	assert.Equal(t, 0, st.Unread("conv-1"))
	assert.Equal(t, 1, st.TotalUnread())

	// Повторное прочтение ничего не вычитает.
	require.NoError(t, st.MarkConversationRead(context.Background(), "conv-1"))
	assert.Equal(t, 1, st.TotalUnread())
	assert.GreaterOrEqual(t, st.TotalUnread(), 0)
}

func TestCreateConversation_EmptyParticipants(t *testing.T) {
	t.Parallel()
	_, st := newConversationEnv(t)

	_, err := st.CreateConversation(context.Background(), nil, "")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Empty(t, st.Conversations())
}

func TestScenario_CreateConversationAndSend(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writeTestJSON(w, testConversation("conv-new", 0))
	})

	view, err := st.CreateConversation(context.Background(), []string{"user-b"}, "")
	require.NoError(t, err)

	_, err = st.SendMessage(view.Conversation.ID, "hello")
	require.NoError(t, err)

	list := st.Conversations()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "hello", list[0].LastMessage.Content)
	assert.Equal(t, 0, list[0].UnreadCount)
	assert.Equal(t, 0, st.TotalUnread())

	sent := env.tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ws.EventSendMessage, sent[0].Type)
	assert.Equal(t, "hello", sent[0].Content)
	assert.NotEmpty(t, sent[0].ClientRef)
}

func TestDeleteConversation_ClearsActivePointer(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	st.SetActiveConversation("conv-1")
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-2", "user-b", "чужое"))
	require.Equal(t, 1, st.TotalUnread())

	require.NoError(t, st.DeleteConversation(context.Background(), "conv-1"))
	assert.Equal(t, "", st.ActiveConversation())
	assert.Len(t, st.Conversations(), 1)

	// Удаление разговора с непрочитанными вычитает их из глобального счётчика.
	require.NoError(t, st.DeleteConversation(context.Background(), "conv-2"))
	assert.Equal(t, 0, st.TotalUnread())
}

func TestLoadConversations_ReplacesStateAndRecounts(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, []model.ConversationView{
			testConversation("conv-1", 2),
			testConversation("conv-2", 1),
		})
	})
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-old", 5))
	require.Equal(t, 5, st.TotalUnread())

	require.NoError(t, st.LoadConversations(context.Background()))
	assert.Len(t, st.Conversations(), 2)
	assert.Equal(t, 3, st.TotalUnread())
}

func TestLoadConversations_DropsMessagesOfVanishedConversations(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, []model.ConversationView{testConversation("conv-keep", 0)})
	})
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-keep", 0))
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-gone", 0))
	kept, err := st.SendMessage("conv-keep", "останется")
	require.NoError(t, err)
	gone, err := st.SendMessage("conv-gone", "уйдёт вместе с разговором")
	require.NoError(t, err)

	require.NoError(t, st.LoadConversations(context.Background()))

	assert.Len(t, st.Messages("conv-keep"), 1)
	assert.Empty(t, st.Messages("conv-gone"))

	// Подвисший client_ref исчезнувшего разговора тоже вычищен: поздний ack
	// не воскрешает сообщение.
	env.tr.deliver(t, ws.EventMessageAck, ws.MessageAckPayload{
		ClientRef: gone.ClientRef,
		Message: &model.Message{
			ID: "srv-late", ConversationID: "conv-gone",
			SenderID: testUserID, Content: gone.Content, SentAt: time.Now().UTC(),
		},
	})
	assert.Empty(t, st.Messages("conv-gone"))

	env.tr.deliver(t, ws.EventMessageAck, ws.MessageAckPayload{
		ClientRef: kept.ClientRef,
		Message: &model.Message{
			ID: "srv-kept", ConversationID: "conv-keep",
			SenderID: testUserID, Content: kept.Content, SentAt: time.Now().UTC(),
		},
	})
	assert.Equal(t, model.DeliverySent, st.Messages("conv-keep")[0].DeliveryState)
}

func TestLoadMessages_MarksReadAndKeepsPending(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		// Сервер отдаёт новые → старые.
		writeTestJSON(w, []model.Message{
			inboundMessage("conv-1", "user-b", "второе"),
			inboundMessage("conv-1", "user-b", "первое"),
		})
	})
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 2))
	require.Equal(t, 2, st.TotalUnread())

	_, err := st.SendMessage("conv-1", "моё неподтверждённое")
	require.NoError(t, err)

	msgs, err := st.LoadMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "первое", msgs[0].Content)
	assert.Equal(t, "второе", msgs[1].Content)
	assert.Equal(t, "моё неподтверждённое", msgs[2].Content)
	assert.Equal(t, model.DeliveryPending, msgs[2].DeliveryState)

	// Побочный эффект: разговор прочитан.
	assert.Equal(t, 0, st.Unread("conv-1"))
	assert.Equal(t, 0, st.TotalUnread())
}

func TestLoadMessages_UnknownConversation(t *testing.T) {
	t.Parallel()
	_, st := newConversationEnv(t)
	_, err := st.LoadMessages(context.Background(), "conv-missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConversationUpdated_ReadOnAnotherDevice(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "эй"))
	require.Equal(t, 1, st.TotalUnread())

	env.tr.deliver(t, ws.EventConversationUpdated, ws.ConversationUpdatedPayload{
		ConversationID: "conv-1",
		ReadBy:         testUserID,
	})
	assert.Equal(t, 0, st.Unread("conv-1"))
	assert.Equal(t, 0, st.TotalUnread())
}

func TestConversationStore_ClosedIgnoresLateEvents(t *testing.T) {
	t.Parallel()
	env, st := newConversationEnv(t)
	env.tr.deliver(t, ws.EventConversationCreated, testConversation("conv-1", 0))

	st.Close()
	env.tr.deliver(t, ws.EventMessage, inboundMessage("conv-1", "user-b", "после teardown"))
	assert.Empty(t, st.Messages("conv-1"))
	assert.Equal(t, 0, st.TotalUnread())
}
