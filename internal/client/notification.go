package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

// Alerter поднимает системное уведомление (браузерное/OS). Ошибка алерта
// никогда не влияет на состояние стора.
type Alerter interface {
	Alert(n model.Notification) error
}

// NotificationStore — инбокс уведомлений и его счётчик непрочитанных.
// Список хранится новые-первыми; read — односторонняя защёлка, обратного
// перехода в unread нет.
type NotificationStore struct {
	api      *API
	sessions *SessionStore
	alerter  Alerter

	mu     sync.Mutex
	list   []*model.Notification
	unread int
	closed bool
}

func NewNotificationStore(api *API, sessions *SessionStore, alerter Alerter) *NotificationStore {
	st := &NotificationStore{api: api, sessions: sessions, alerter: alerter}
	sessions.OnTransport(st.Bind)
	return st
}

func (st *NotificationStore) Bind(tr Transport) {
	tr.On(ws.EventNotification, st.handleNotification)
	tr.On(ws.EventNotificationRead, st.handleSync)
}

func (st *NotificationStore) Close() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}

// LoadNotifications заменяет список; счётчик пересчитывается по списку.
func (st *NotificationStore) LoadNotifications(ctx context.Context) error {
	resp, err := st.api.Notifications(ctx)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.list = st.list[:0]
	unread := 0
	for i := range resp.Notifications {
		n := resp.Notifications[i]
		st.list = append(st.list, &n)
		if !n.Read {
			unread++
		}
	}
	st.unread = unread
	return nil
}

// MarkAsRead защёлкивает уведомление прочитанным. Идемпотентно: повторный
// вызов не трогает счётчик.
func (st *NotificationStore) MarkAsRead(ctx context.Context, id string) error {
	st.mu.Lock()
	n := st.findLocked(id)
	if n == nil {
		st.mu.Unlock()
		return &NotFoundError{Kind: "notification", ID: id}
	}
	changed := !n.Read
	if changed {
		n.Read = true
		st.decrementLocked()
	}
	st.mu.Unlock()

	if !changed {
		return nil
	}
	if err := st.api.MarkNotificationRead(ctx, id); err != nil {
		logger.Errorf("mark notification read %s: %v", id, err)
		return err
	}
	return nil
}

// MarkAllAsRead защёлкивает все уведомления. Повторный вызов — no-op.
func (st *NotificationStore) MarkAllAsRead(ctx context.Context) error {
	st.mu.Lock()
	changed := 0
	for _, n := range st.list {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	st.unread = 0
	st.mu.Unlock()

	if changed == 0 {
		return nil
	}
	if err := st.api.MarkAllNotificationsRead(ctx); err != nil {
		logger.Errorf("mark all notifications read: %v", err)
		return err
	}
	return nil
}

// DeleteNotification удаляет уведомление; счётчик уменьшается только если
// удалённое было непрочитанным.
func (st *NotificationStore) DeleteNotification(ctx context.Context, id string) error {
	st.mu.Lock()
	removed := st.removeLocked(id)
	st.mu.Unlock()
	if !removed {
		return &NotFoundError{Kind: "notification", ID: id}
	}
	if err := st.api.DeleteNotification(ctx, id); err != nil {
		logger.Errorf("delete notification %s: %v", id, err)
		return err
	}
	return nil
}

// ClearAll опустошает инбокс и обнуляет счётчик.
func (st *NotificationStore) ClearAll(ctx context.Context) error {
	st.mu.Lock()
	st.list = nil
	st.unread = 0
	st.mu.Unlock()

	if err := st.api.ClearNotifications(ctx); err != nil {
		logger.Errorf("clear notifications: %v", err)
		return err
	}
	return nil
}

// Notifications возвращает копию списка (новые первыми).
func (st *NotificationStore) Notifications() []model.Notification {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.Notification, 0, len(st.list))
	for _, n := range st.list {
		out = append(out, *n)
	}
	return out
}

func (st *NotificationStore) UnreadCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.unread
}

// --- Типизированные фабрики: локальный синтез того, что прислал бы сервер ---

func (st *NotificationStore) NotifyTaskApplication(taskID, taskTitle, applicantName string) {
	st.append(model.NotificationTaskApplication, "Новый отклик",
		fmt.Sprintf("%s откликнулся на задачу «%s»", applicantName, taskTitle),
		model.PriorityHigh,
		map[string]string{"task_id": taskID})
}

func (st *NotificationStore) NotifyPayment(credits int64, taskTitle string) {
	st.append(model.NotificationPaymentReceived, "Оплата получена",
		fmt.Sprintf("+%d кредитов за «%s»", credits, taskTitle),
		model.PriorityHigh,
		map[string]string{"credits": fmt.Sprintf("%d", credits)})
}

func (st *NotificationStore) NotifyTaskCompleted(taskID, taskTitle string) {
	st.append(model.NotificationTaskCompleted, "Задача завершена",
		fmt.Sprintf("Задача «%s» завершена", taskTitle),
		model.PriorityMedium,
		map[string]string{"task_id": taskID})
}

func (st *NotificationStore) NotifyMessage(conversationID, senderName string) {
	st.append(model.NotificationNewMessage, "Новое сообщение",
		fmt.Sprintf("Сообщение от %s", senderName),
		model.PriorityMedium,
		map[string]string{"conversation_id": conversationID})
}

func (st *NotificationStore) NotifyReview(rating float64, reviewerName string) {
	st.append(model.NotificationReviewReceived, "Новый отзыв",
		fmt.Sprintf("%s поставил оценку %.1f", reviewerName, rating),
		model.PriorityLow,
		map[string]string{"rating": fmt.Sprintf("%.1f", rating)})
}

func (st *NotificationStore) NotifyReminder(taskID, taskTitle string) {
	st.append(model.NotificationTaskReminder, "Напоминание",
		fmt.Sprintf("Задача «%s» ждёт действий", taskTitle),
		model.PriorityLow,
		map[string]string{"task_id": taskID})
}

func (st *NotificationStore) append(typ model.NotificationType, title, message string, prio model.NotificationPriority, data map[string]string) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = nil
	}
	userID := ""
	if s := st.sessions.Session(); s != nil {
		userID = s.UserID
	}
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      payload,
		Priority:  prio,
		CreatedAt: time.Now().UTC(),
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.list = append([]*model.Notification{n}, st.list...)
	st.unread++
}

// --- Входящие события транспорта ---

// handleNotification вставляет пуш в голову списка и поднимает best-effort
// системный алерт. Сбой алерта изолирован от состояния стора.
func (st *NotificationStore) handleNotification(payload json.RawMessage) {
	var n model.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		logger.Errorf("event notification: bad payload: %v", err)
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if st.findLocked(n.ID) != nil {
		st.mu.Unlock()
		return
	}
	nc := n
	st.list = append([]*model.Notification{&nc}, st.list...)
	if !n.Read {
		st.unread++
	}
	alerter := st.alerter
	st.mu.Unlock()

	if alerter == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("alerter panic: %v", r)
			}
		}()
		if err := alerter.Alert(n); err != nil {
			logger.Errorf("alerter: %v", err)
		}
	}()
}

// handleSync применяет операцию, выполненную на другом устройстве этого же
// пользователя, чтобы инбоксы сошлись. Все действия идемпотентны.
func (st *NotificationStore) handleSync(payload json.RawMessage) {
	var p ws.NotificationReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Errorf("event notification_read: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	switch p.Action {
	case ws.NotificationActionRead:
		if n := st.findLocked(p.NotificationID); n != nil && !n.Read {
			n.Read = true
			st.decrementLocked()
		}
	case ws.NotificationActionReadAll:
		for _, n := range st.list {
			n.Read = true
		}
		st.unread = 0
	case ws.NotificationActionDeleted:
		st.removeLocked(p.NotificationID)
	case ws.NotificationActionCleared:
		st.list = nil
		st.unread = 0
	default:
		logger.Debugf("notification sync: неизвестное действие %q", p.Action)
	}
}

// --- Внутреннее (под мьютексом) ---

func (st *NotificationStore) findLocked(id string) *model.Notification {
	for _, n := range st.list {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (st *NotificationStore) removeLocked(id string) bool {
	for i, n := range st.list {
		if n.ID == id {
			if !n.Read {
				st.decrementLocked()
			}
			st.list = append(st.list[:i], st.list[i+1:]...)
			return true
		}
	}
	return false
}

func (st *NotificationStore) decrementLocked() {
	if st.unread > 0 {
		st.unread--
	}
}
