package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

const defaultAckTimeout = 10 * time.Second

// ConversationStore — единственный источник правды по разговорам и
// сообщениям: сводит оптимистичные локальные отправки с подтверждённым
// транспортом состоянием.
//
// Инварианты:
//   - сообщения одного разговора лежат в порядке вызовов SendMessage,
//     независимо от порядка ack-ов (сверка по client_ref, не по позиции);
//   - UnreadCount разговора и totalUnread всегда равны честному пересчёту
//     непрочитанных.
type ConversationStore struct {
	api      *API
	sessions *SessionStore

	ackTimeout time.Duration

	mu          sync.Mutex
	order       []string
	byID        map[string]*model.ConversationView
	messages    map[string][]*model.Message
	byClientRef map[string]*model.Message
	activeID    string
	totalUnread int
	closed      bool
	transport   Transport
}

func NewConversationStore(api *API, sessions *SessionStore) *ConversationStore {
	st := &ConversationStore{
		api:         api,
		sessions:    sessions,
		ackTimeout:  defaultAckTimeout,
		byID:        make(map[string]*model.ConversationView),
		messages:    make(map[string][]*model.Message),
		byClientRef: make(map[string]*model.Message),
	}
	sessions.OnTransport(st.Bind)
	return st
}

// Bind привязывает стор к транспорту. Таблица диспетчеризации регистрируется
// один раз на соединение; повторная привязка нового транспорта не трогает
// уже применённое состояние.
func (st *ConversationStore) Bind(tr Transport) {
	st.mu.Lock()
	st.transport = tr
	st.mu.Unlock()

	tr.On(ws.EventMessage, st.handleMessage)
	tr.On(ws.EventMessageAck, st.handleAck)
	tr.On(ws.EventErrorAck, st.handleErrorAck)
	tr.On(ws.EventConversationCreated, st.handleConversationCreated)
	tr.On(ws.EventConversationUpdated, st.handleConversationUpdated)
}

// Close помечает стор закрытым: поздние сетевые ответы и события больше не
// мутируют состояние.
func (st *ConversationStore) Close() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}

func (st *ConversationStore) currentUserID() string {
	if s := st.sessions.Session(); s != nil {
		return s.UserID
	}
	return ""
}

// LoadConversations загружает список разговоров текущей сессии и заменяет
// состояние стора. Глобальный счётчик пересчитывается как сумма по списку.
func (st *ConversationStore) LoadConversations(ctx context.Context) error {
	views, err := st.api.Conversations(ctx)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.order = st.order[:0]
	st.byID = make(map[string]*model.ConversationView, len(views))
	total := 0
	for i := range views {
		v := views[i]
		st.order = append(st.order, v.Conversation.ID)
		st.byID[v.Conversation.ID] = &v
		total += v.UnreadCount
	}
	st.totalUnread = total
	// Сообщения разговоров, исчезнувших из серверного списка, перезагрузку
	// не переживают.
	for id := range st.messages {
		if _, ok := st.byID[id]; !ok {
			delete(st.messages, id)
		}
	}
	for ref, m := range st.byClientRef {
		if _, ok := st.byID[m.ConversationID]; !ok {
			delete(st.byClientRef, ref)
		}
	}
	return nil
}

// LoadMessages загружает историю разговора (старые → новые) и помечает его
// прочитанным.
func (st *ConversationStore) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	st.mu.Lock()
	if _, ok := st.byID[conversationID]; !ok {
		st.mu.Unlock()
		return nil, &NotFoundError{Kind: "conversation", ID: conversationID}
	}
	st.mu.Unlock()

	// Сервер отдаёт новые → старые; локально храним хронологически.
	fetched, err := st.api.Messages(ctx, conversationID, 50, 0)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, nil
	}
	msgs := make([]*model.Message, 0, len(fetched))
	for i := len(fetched) - 1; i >= 0; i-- {
		m := fetched[i]
		msgs = append(msgs, &m)
	}
	// Неподтверждённые локальные отправки истории сервера не знают — дошиваем
	// их в хвост, сохраняя порядок вызовов.
	for _, m := range st.messages[conversationID] {
		if m.DeliveryState == model.DeliveryPending || m.DeliveryState == model.DeliveryFailed {
			msgs = append(msgs, m)
		}
	}
	st.messages[conversationID] = msgs
	st.markReadLocked(conversationID)
	out := copyMessages(msgs)
	st.mu.Unlock()

	// Открытие истории двигает last_read_at и на сервере.
	if err := st.api.MarkConversationRead(ctx, conversationID); err != nil {
		logger.Errorf("load messages: server mark read %s: %v", conversationID, err)
	}
	return out, nil
}

// SendMessage конструирует сообщение со статусом pending, кладёт его в стор
// немедленно и запрашивает доставку. Подтверждение переводит в sent, отказ
// или таймаут — в failed (сообщение остаётся видимым, отправку можно
// повторить).
func (st *ConversationStore) SendMessage(conversationID, content string) (*model.Message, error) {
	if content == "" {
		return nil, &ValidationError{Message: "content is required"}
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, &FetchError{Op: "send message", Cause: errClosed}
	}
	conv, ok := st.byID[conversationID]
	if !ok {
		st.mu.Unlock()
		return nil, &NotFoundError{Kind: "conversation", ID: conversationID}
	}
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       st.currentUserID(),
		Content:        content,
		DeliveryState:  model.DeliveryPending,
		ClientRef:      uuid.New().String(),
		SentAt:         time.Now().UTC(),
	}
	// Позиция фиксируется здесь, в порядке вызова; ack её не меняет.
	st.messages[conversationID] = append(st.messages[conversationID], msg)
	st.byClientRef[msg.ClientRef] = msg
	lm := *msg
	conv.LastMessage = &lm
	st.moveToFrontLocked(conversationID)
	tr := st.transport
	// Снимок для возврата берётся под мьютексом: ack с горутины чтения
	// транспорта мутирует msg под этим же мьютексом.
	out := *msg
	st.mu.Unlock()

	if tr == nil {
		st.failPending(out.ClientRef, "no transport")
		return st.messageSnapshot(msg), &DeliveryError{ClientRef: out.ClientRef, Reason: "no transport"}
	}
	if err := tr.Emit(ws.IncomingMessage{
		Type:           ws.EventSendMessage,
		ConversationID: conversationID,
		Content:        content,
		ClientRef:      out.ClientRef,
	}); err != nil {
		st.failPending(out.ClientRef, "")
		return st.messageSnapshot(msg), &DeliveryError{ClientRef: out.ClientRef, Cause: err}
	}

	ref := out.ClientRef
	time.AfterFunc(st.ackTimeout, func() {
		st.failPending(ref, "ack timeout")
	})

	return &out, nil
}

// CreateConversation создаёт разговор; initialMessage (если задан)
// доставляется сервером сразу при создании.
func (st *ConversationStore) CreateConversation(ctx context.Context, participantIDs []string, initialMessage string) (*model.ConversationView, error) {
	if len(participantIDs) == 0 {
		return nil, &ValidationError{Message: "participant_ids is required"}
	}
	view, err := st.api.CreateConversation(ctx, CreateConversationRequest{
		ParticipantIDs: participantIDs,
		InitialMessage: initialMessage,
	})
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return view, nil
	}
	st.insertLocked(view)
	out := *st.byID[view.Conversation.ID]
	return &out, nil
}

// MarkConversationRead обнуляет счётчик разговора и уменьшает глобальный на
// только что очищенное количество (не ниже нуля).
func (st *ConversationStore) MarkConversationRead(ctx context.Context, conversationID string) error {
	st.mu.Lock()
	if _, ok := st.byID[conversationID]; !ok {
		st.mu.Unlock()
		return &NotFoundError{Kind: "conversation", ID: conversationID}
	}
	st.markReadLocked(conversationID)
	st.mu.Unlock()

	if err := st.api.MarkConversationRead(ctx, conversationID); err != nil {
		logger.Errorf("mark conversation read %s: %v", conversationID, err)
		return err
	}
	return nil
}

// DeleteConversation удаляет разговор; если он был активным, активный
// указатель сбрасывается.
func (st *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	st.mu.Lock()
	if _, ok := st.byID[conversationID]; !ok {
		st.mu.Unlock()
		return &NotFoundError{Kind: "conversation", ID: conversationID}
	}
	st.mu.Unlock()

	if err := st.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.removeLocked(conversationID)
	return nil
}

// SetActiveConversation помечает открытый на экране разговор: входящие в
// него сообщения не увеличивают счётчики. Пустая строка — ничего не открыто.
func (st *ConversationStore) SetActiveConversation(conversationID string) {
	st.mu.Lock()
	st.activeID = conversationID
	st.mu.Unlock()
}

func (st *ConversationStore) ActiveConversation() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeID
}

// Conversations возвращает копию списка в текущем порядке.
func (st *ConversationStore) Conversations() []model.ConversationView {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.ConversationView, 0, len(st.order))
	for _, id := range st.order {
		if v, ok := st.byID[id]; ok {
			out = append(out, *v)
		}
	}
	return out
}

// Messages возвращает копию сообщений разговора (старые → новые).
func (st *ConversationStore) Messages(conversationID string) []model.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	msgs := make([]model.Message, 0, len(st.messages[conversationID]))
	for _, m := range st.messages[conversationID] {
		msgs = append(msgs, *m)
	}
	return msgs
}

func copyMessages(in []*model.Message) []model.Message {
	out := make([]model.Message, 0, len(in))
	for _, m := range in {
		out = append(out, *m)
	}
	return out
}

// TotalUnread возвращает глобальный счётчик непрочитанных.
func (st *ConversationStore) TotalUnread() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalUnread
}

func (st *ConversationStore) Unread(conversationID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, ok := st.byID[conversationID]; ok {
		return v.UnreadCount
	}
	return 0
}

// --- Входящие события транспорта ---

// handleMessage применяет входящее сообщение. Освобождение от счётчика для
// активного разговора оценивается в момент получения события, не в момент
// отправки.
func (st *ConversationStore) handleMessage(payload json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		logger.Errorf("event message: bad payload: %v", err)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	// Эхо собственной оптимистичной отправки: сверяем по client_ref и
	// подтверждаем на месте, не добавляя дубликат.
	if m.ClientRef != "" {
		if local, ok := st.byClientRef[m.ClientRef]; ok {
			st.confirmLocked(local, &m)
			return
		}
	}

	conv, ok := st.byID[m.ConversationID]
	if !ok {
		// Разговор ещё не загружен (обычно conversation_created в пути) —
		// заводим минимальную карточку, событие терять нельзя.
		conv = &model.ConversationView{
			Conversation: model.Conversation{ID: m.ConversationID, CreatedAt: m.SentAt},
		}
		st.insertLocked(conv)
	}
	for _, existing := range st.messages[m.ConversationID] {
		if existing.ID == m.ID {
			return
		}
	}
	mc := m
	st.messages[m.ConversationID] = append(st.messages[m.ConversationID], &mc)
	lm := m
	conv.LastMessage = &lm
	st.moveToFrontLocked(m.ConversationID)

	if m.SenderID != st.currentUserID() && m.ConversationID != st.activeID {
		conv.UnreadCount++
		st.totalUnread++
	}
}

func (st *ConversationStore) handleAck(payload json.RawMessage) {
	var p ws.MessageAckPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message == nil {
		logger.Errorf("event message_ack: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	local, ok := st.byClientRef[p.ClientRef]
	if !ok {
		// Поздний ack после таймаута или teardown — игнорируем.
		return
	}
	st.confirmLocked(local, p.Message)
}

func (st *ConversationStore) handleErrorAck(payload json.RawMessage) {
	var p ws.ErrorAckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Errorf("event error_ack: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if local, ok := st.byClientRef[p.ClientRef]; ok {
		local.DeliveryState = model.DeliveryFailed
		delete(st.byClientRef, p.ClientRef)
	}
}

func (st *ConversationStore) handleConversationCreated(payload json.RawMessage) {
	var view model.ConversationView
	if err := json.Unmarshal(payload, &view); err != nil {
		logger.Errorf("event conversation_created: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if existing, ok := st.byID[view.Conversation.ID]; ok {
		// Карточка могла появиться раньше из события message — дополняем.
		existing.Conversation = view.Conversation
		existing.Participants = view.Participants
		if existing.LastMessage == nil {
			existing.LastMessage = view.LastMessage
		}
		return
	}
	st.insertLocked(&view)
}

// handleConversationUpdated обновляет сводку разговора, не трогая уже
// применённые счётчики этого устройства.
func (st *ConversationStore) handleConversationUpdated(payload json.RawMessage) {
	var p ws.ConversationUpdatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Errorf("event conversation_updated: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	conv, ok := st.byID[p.ConversationID]
	if !ok {
		return
	}
	if p.LastMessage != nil {
		conv.LastMessage = p.LastMessage
	}
	// Прочтение с другого устройства того же пользователя: сводим счётчики.
	if p.ReadBy != "" && p.ReadBy == st.currentUserID() {
		st.markReadLocked(p.ConversationID)
	}
}

// --- Внутреннее (под мьютексом) ---

func (st *ConversationStore) confirmLocked(local, server *model.Message) {
	delete(st.byClientRef, local.ClientRef)
	local.ID = server.ID
	local.SentAt = server.SentAt
	local.Sender = server.Sender
	local.DeliveryState = model.DeliverySent
	if conv, ok := st.byID[local.ConversationID]; ok {
		lm := *local
		conv.LastMessage = &lm
	}
}

// messageSnapshot копирует живущее в сторе сообщение под мьютексом.
func (st *ConversationStore) messageSnapshot(msg *model.Message) *model.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := *msg
	return &out
}

func (st *ConversationStore) failPending(clientRef, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	local, ok := st.byClientRef[clientRef]
	if !ok || local.DeliveryState != model.DeliveryPending {
		return
	}
	local.DeliveryState = model.DeliveryFailed
	delete(st.byClientRef, clientRef)
	if reason != "" {
		logger.Errorf("send message %s: %s", clientRef, reason)
	}
}

func (st *ConversationStore) markReadLocked(conversationID string) {
	conv, ok := st.byID[conversationID]
	if !ok {
		return
	}
	cleared := conv.UnreadCount
	conv.UnreadCount = 0
	st.totalUnread -= cleared
	if st.totalUnread < 0 {
		st.totalUnread = 0
	}
}

func (st *ConversationStore) insertLocked(view *model.ConversationView) {
	st.byID[view.Conversation.ID] = view
	st.order = append([]string{view.Conversation.ID}, st.order...)
	st.totalUnread += view.UnreadCount
}

func (st *ConversationStore) removeLocked(conversationID string) {
	if conv, ok := st.byID[conversationID]; ok {
		st.totalUnread -= conv.UnreadCount
		if st.totalUnread < 0 {
			st.totalUnread = 0
		}
	}
	delete(st.byID, conversationID)
	for _, m := range st.messages[conversationID] {
		delete(st.byClientRef, m.ClientRef)
	}
	delete(st.messages, conversationID)
	for i, id := range st.order {
		if id == conversationID {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	if st.activeID == conversationID {
		st.activeID = ""
	}
}

func (st *ConversationStore) moveToFrontLocked(conversationID string) {
	for i, id := range st.order {
		if id == conversationID {
			if i == 0 {
				return
			}
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	st.order = append([]string{conversationID}, st.order...)
}
