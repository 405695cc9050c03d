package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/timeslice/internal/middleware"
	"github.com/timeslice/internal/repository"
	"github.com/timeslice/internal/ws"
)

type NotificationHandler struct {
	notifRepo *repository.NotificationRepository
	hub       *ws.Hub
}

func NewNotificationHandler(notifRepo *repository.NotificationRepository, hub *ws.Hub) *NotificationHandler {
	return &NotificationHandler{notifRepo: notifRepo, hub: hub}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, offset := queryPage(r, 50, 100)

	list, err := h.notifRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get notifications")
		return
	}
	unread, err := h.notifRepo.CountUnread(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"unread_count":  unread,
	})
}

// MarkRead помечает уведомление прочитанным. Повторный вызов — no-op:
// счётчик уменьшается только при фактическом переходе read=false→true.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	notifID := chi.URLParam(r, "id")

	changed, err := h.notifRepo.MarkRead(r.Context(), notifID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	if changed {
		h.hub.SyncNotifications(userID, ws.NotificationReadPayload{
			Action:         ws.NotificationActionRead,
			NotificationID: notifID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	n, err := h.notifRepo.MarkAllRead(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark all read")
		return
	}
	if n > 0 {
		h.hub.SyncNotifications(userID, ws.NotificationReadPayload{
			Action: ws.NotificationActionReadAll,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "updated": n})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	notifID := chi.URLParam(r, "id")

	if _, err := h.notifRepo.Delete(r.Context(), notifID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}
	h.hub.SyncNotifications(userID, ws.NotificationReadPayload{
		Action:         ws.NotificationActionDeleted,
		NotificationID: notifID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *NotificationHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.notifRepo.ClearAll(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear notifications")
		return
	}
	h.hub.SyncNotifications(userID, ws.NotificationReadPayload{
		Action: ws.NotificationActionCleared,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
