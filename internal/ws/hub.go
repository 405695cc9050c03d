package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/metrics"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/repository"
)

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	convRepo   *repository.ConversationRepository
	msgRepo    *repository.MessageRepository
	userRepo   *repository.UserRepository
	notifRepo  *repository.NotificationRepository
	pushClient PushNotifier
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	convRepo *repository.ConversationRepository,
	msgRepo *repository.MessageRepository,
	userRepo *repository.UserRepository,
	notifRepo *repository.NotificationRepository,
	maxConns int,
	pushClient PushNotifier,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		convRepo:   convRepo,
		msgRepo:    msgRepo,
		userRepo:   userRepo,
		notifRepo:  notifRepo,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
	metrics.WSConnections.Set(0)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	metrics.WSConnections.Set(float64(h.total))
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.userRepo.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(c.userID, true)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	metrics.WSConnections.Set(float64(h.total))
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.userRepo.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c.userID, false)
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventTyping:
		h.handleTyping(ctx, c, msg)
	case EventMarkConversationRead:
		h.handleMarkConversationRead(ctx, c, msg)
	case EventMarkNotificationRead:
		h.handleMarkNotificationRead(ctx, c, msg)
	case EventMarkAllNotificationsRead:
		h.handleMarkAllNotificationsRead(ctx, c)
	case EventDeleteNotification:
		h.handleDeleteNotification(ctx, c, msg)
	case EventClearAllNotifications:
		h.handleClearAllNotifications(ctx, c)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.ConversationID == "" || strings.TrimSpace(msg.Content) == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventErrorAck, Payload: ErrorAckPayload{
			ClientRef: msg.ClientRef, Reason: "conversation_id and content required",
		}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.convRepo.IsMember(ctx, msg.ConversationID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership conv=%s user=%s: %v", msg.ConversationID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventErrorAck, Payload: ErrorAckPayload{
			ClientRef: msg.ClientRef, Reason: "internal error",
		}})
		return
	}
	if !isMember {
		h.sendToClient(c, OutgoingMessage{Type: EventErrorAck, Payload: ErrorAckPayload{
			ClientRef: msg.ClientRef, Reason: "not a participant",
		}})
		return
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: msg.ConversationID,
		SenderID:       c.userID,
		Content:        msg.Content,
		DeliveryState:  model.DeliverySent,
		ClientRef:      msg.ClientRef,
		SentAt:         now,
	}

	if err := h.msgRepo.Create(ctx, m); err != nil {
		logger.Errorf("ws save message conv=%s user=%s: %v", msg.ConversationID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventErrorAck, Payload: ErrorAckPayload{
			ClientRef: msg.ClientRef, Reason: "failed to save message",
		}})
		return
	}

	sender, err := h.userRepo.GetByID(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws get sender user=%s: %v", c.userID, err)
	} else {
		pub := sender.ToPublic()
		m.Sender = &pub
	}

	memberIDs, err := h.convRepo.GetMemberIDs(ctx, msg.ConversationID)
	if err != nil {
		logger.Errorf("ws get members conv=%s: %v", msg.ConversationID, err)
		return
	}

	// Подтверждение отправителю (pending → sent на клиенте), событие — остальным.
	h.sendToUser(c.userID, OutgoingMessage{Type: EventMessageAck, Payload: MessageAckPayload{
		ClientRef: msg.ClientRef, Message: m,
	}})
	out := OutgoingMessage{Type: EventMessage, Payload: m}
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}

	// Пуш-уведомления получателям (кроме отправителя)
	if h.pushClient != nil {
		senderName := ""
		if m.Sender != nil {
			senderName = m.Sender.DisplayName
		}
		if senderName == "" {
			senderName = "New message"
		}
		body := m.Content
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		data := map[string]string{"conversation_id": msg.ConversationID, "message_id": m.ID}
		for _, uid := range memberIDs {
			if uid != c.userID {
				uid := uid
				go h.pushClient.Notify(context.Background(), uid, senderName, body, data)
			}
		}
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	memberIDs, err := h.convRepo.GetMemberIDs(ctx, msg.ConversationID)
	if err != nil {
		logger.Errorf("ws get members for typing conv=%s: %v", msg.ConversationID, err)
		return
	}

	out := OutgoingMessage{
		Type: EventTyping,
		Payload: TypingPayload{
			ConversationID: msg.ConversationID,
			UserID:         c.userID,
		},
	}
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) handleMarkConversationRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := h.convRepo.UpdateMemberLastRead(ctx, msg.ConversationID, c.userID, now); err != nil {
		logger.Errorf("ws update last_read_at conv=%s user=%s: %v", msg.ConversationID, c.userID, err)
		return
	}

	memberIDs, err := h.convRepo.GetMemberIDs(ctx, msg.ConversationID)
	if err != nil {
		logger.Errorf("ws get members for read conv=%s: %v", msg.ConversationID, err)
		return
	}

	out := OutgoingMessage{
		Type: EventConversationUpdated,
		Payload: ConversationUpdatedPayload{
			ConversationID: msg.ConversationID,
			ReadBy:         c.userID,
		},
	}
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) handleMarkNotificationRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.NotificationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	changed, err := h.notifRepo.MarkRead(ctx, msg.NotificationID, c.userID)
	if err != nil {
		logger.Errorf("ws mark notification read id=%s user=%s: %v", msg.NotificationID, c.userID, err)
		return
	}
	if !changed {
		// Уже прочитано — счётчики не трогаем (идемпотентность).
		return
	}
	h.sendToUser(c.userID, OutgoingMessage{
		Type:    EventNotificationRead,
		Payload: NotificationReadPayload{Action: NotificationActionRead, NotificationID: msg.NotificationID},
	})
}

func (h *Hub) handleMarkAllNotificationsRead(ctx context.Context, c *Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.notifRepo.MarkAllRead(ctx, c.userID); err != nil {
		logger.Errorf("ws mark all notifications read user=%s: %v", c.userID, err)
		return
	}
	h.sendToUser(c.userID, OutgoingMessage{
		Type:    EventNotificationRead,
		Payload: NotificationReadPayload{Action: NotificationActionReadAll},
	})
}

func (h *Hub) handleDeleteNotification(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.NotificationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.notifRepo.Delete(ctx, msg.NotificationID, c.userID); err != nil {
		logger.Errorf("ws delete notification id=%s user=%s: %v", msg.NotificationID, c.userID, err)
		return
	}
	h.sendToUser(c.userID, OutgoingMessage{
		Type:    EventNotificationRead,
		Payload: NotificationReadPayload{Action: NotificationActionDeleted, NotificationID: msg.NotificationID},
	})
}

func (h *Hub) handleClearAllNotifications(ctx context.Context, c *Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.notifRepo.ClearAll(ctx, c.userID); err != nil {
		logger.Errorf("ws clear notifications user=%s: %v", c.userID, err)
		return
	}
	h.sendToUser(c.userID, OutgoingMessage{
		Type:    EventNotificationRead,
		Payload: NotificationReadPayload{Action: NotificationActionCleared},
	})
}

func (h *Hub) broadcastUserStatus(userID string, online bool) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	views, err := h.convRepo.GetUserConversations(ctx, userID)
	if err != nil {
		logger.Errorf("ws get conversations for status broadcast user=%s: %v", userID, err)
		return
	}

	out := OutgoingMessage{
		Type: evType,
		Payload: UserStatusPayload{
			UserID: userID,
			Online: online,
		},
	}

	notified := make(map[string]struct{}, 16)
	for _, v := range views {
		memberIDs, err := h.convRepo.GetMemberIDs(ctx, v.Conversation.ID)
		if err != nil {
			logger.Errorf("ws get members for status broadcast conv=%s: %v", v.Conversation.ID, err)
			continue
		}
		for _, uid := range memberIDs {
			if uid == userID {
				continue
			}
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			h.sendToUser(uid, out)
		}
	}
}

// NotifyUser создаёт запись уведомления, доставляет событие notification на
// все соединения пользователя и шлёт best-effort web push.
func (h *Hub) NotifyUser(ctx context.Context, n *model.Notification) {
	defer logger.DeferLogDuration("ws.NotifyUser", time.Now())()
	if err := h.notifRepo.Create(ctx, n); err != nil {
		logger.Errorf("ws create notification user=%s type=%s: %v", n.UserID, n.Type, err)
		return
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	h.sendToUser(n.UserID, OutgoingMessage{Type: EventNotification, Payload: n})

	if h.pushClient != nil {
		data := map[string]string{"notification_id": n.ID, "type": string(n.Type)}
		go h.pushClient.Notify(context.Background(), n.UserID, n.Title, n.Message, data)
	}
}

// SyncNotifications доставляет событие синхронизации инбокса на все
// соединения пользователя (REST-операция должна сходиться на каждом устройстве).
func (h *Hub) SyncNotifications(userID string, p NotificationReadPayload) {
	h.sendToUser(userID, OutgoingMessage{Type: EventNotificationRead, Payload: p})
}

// BroadcastToConversation sends a message to all members of a conversation.
func (h *Hub) BroadcastToConversation(ctx context.Context, conversationID string, msg OutgoingMessage) {
	defer logger.DeferLogDuration("ws.BroadcastToConversation", time.Now())()
	memberIDs, err := h.convRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		logger.Errorf("ws broadcast to conversation %s: %v", conversationID, err)
		return
	}
	for _, uid := range memberIDs {
		h.sendToUser(uid, msg)
	}
}

// PushStatsUpdate доставляет пользователю свежие агрегаты после действия,
// меняющего статистику (завершение бронирования, перевод кредитов).
func (h *Hub) PushStatsUpdate(userID string, stats *model.DashboardStats) {
	h.sendToUser(userID, OutgoingMessage{Type: EventStatsUpdate, Payload: StatsUpdatePayload{Stats: stats}})
}

// PushDashboardUpdate доставляет точечное обновление метрики.
func (h *Hub) PushDashboardUpdate(userID, metric string, value json.RawMessage) {
	h.sendToUser(userID, OutgoingMessage{Type: EventDashboardUpdate, Payload: DashboardUpdatePayload{
		Metric: metric, Value: value,
	}})
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	metrics.WSEventsDispatched.WithLabelValues(string(msg.Type)).Add(float64(len(targets)))
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		metrics.WSEventsDropped.Inc()
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
