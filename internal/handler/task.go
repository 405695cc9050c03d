package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/middleware"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/repository"
	"github.com/timeslice/internal/ws"
)

type TaskHandler struct {
	taskRepo     *repository.TaskRepository
	bookingRepo  *repository.BookingRepository
	userRepo     *repository.UserRepository
	activityRepo *repository.ActivityRepository
	hub          *ws.Hub
}

func NewTaskHandler(
	taskRepo *repository.TaskRepository,
	bookingRepo *repository.BookingRepository,
	userRepo *repository.UserRepository,
	activityRepo *repository.ActivityRepository,
	hub *ws.Hub,
) *TaskHandler {
	return &TaskHandler{
		taskRepo: taskRepo, bookingRepo: bookingRepo, userRepo: userRepo,
		activityRepo: activityRepo, hub: hub,
	}
}

type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Credits     int64  `json:"credits"`
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, "credits must be positive")
		return
	}

	userID := middleware.GetUserID(r.Context())
	task := &model.Task{
		ID:          uuid.New().String(),
		ProviderID:  userID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Credits:     req.Credits,
		Status:      model.TaskOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.taskRepo.Create(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) ListOpenTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryPage(r, 50, 100)
	tasks, err := h.taskRepo.ListOpen(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.taskRepo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Apply — исполнитель откликается на открытую задачу: создаётся бронирование
// в статусе pending, заказчику уходит уведомление task_application.
func (h *TaskHandler) Apply(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	task, err := h.taskRepo.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if task.Status != model.TaskOpen {
		writeError(w, http.StatusConflict, "task is not open")
		return
	}
	if task.ProviderID == userID {
		writeError(w, http.StatusBadRequest, "cannot apply to your own task")
		return
	}

	booking := &model.Booking{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		HelperID:      userID,
		ProviderID:    task.ProviderID,
		Status:        model.BookingPending,
		AgreedCredits: task.Credits,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.bookingRepo.Create(r.Context(), booking); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create booking")
		return
	}

	helper, _ := h.userRepo.GetByID(r.Context(), userID)
	helperName := userID
	if helper != nil {
		helperName = helper.DisplayName
	}
	data, _ := json.Marshal(map[string]string{"task_id": task.ID, "booking_id": booking.ID})
	h.hub.NotifyUser(r.Context(), &model.Notification{
		ID:        uuid.New().String(),
		UserID:    task.ProviderID,
		Type:      model.NotificationTaskApplication,
		Title:     "Новый отклик",
		Message:   helperName + " откликнулся на задачу «" + task.Title + "»",
		Data:      data,
		Priority:  model.PriorityMedium,
		CreatedAt: time.Now().UTC(),
	})

	writeJSON(w, http.StatusCreated, booking)
}

func (h *TaskHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := queryPage(r, 50, 100)
	bookings, err := h.bookingRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list bookings")
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

// ConfirmBooking — заказчик подтверждает отклик: задача уходит в assigned.
func (h *TaskHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	booking, err := h.bookingRepo.GetByID(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get booking")
		return
	}
	if booking.ProviderID != userID {
		writeError(w, http.StatusForbidden, "only task provider can confirm")
		return
	}

	ok, err := h.bookingRepo.SetStatus(r.Context(), bookingID, model.BookingPending, model.BookingConfirmed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to confirm booking")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "booking is not pending")
		return
	}
	if _, err := h.taskRepo.SetStatus(r.Context(), booking.TaskID, model.TaskOpen, model.TaskAssigned); err != nil {
		logger.Errorf("confirm booking: task status task=%s: %v", booking.TaskID, err)
	}

	data, _ := json.Marshal(map[string]string{"task_id": booking.TaskID, "booking_id": booking.ID})
	h.hub.NotifyUser(r.Context(), &model.Notification{
		ID:        uuid.New().String(),
		UserID:    booking.HelperID,
		Type:      model.NotificationTaskReminder,
		Title:     "Отклик подтверждён",
		Message:   "Заказчик подтвердил ваше бронирование",
		Data:      data,
		Priority:  model.PriorityMedium,
		CreatedAt: time.Now().UTC(),
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CompleteBooking — заказчик закрывает выполненное бронирование:
// кредиты переводятся исполнителю, обеим сторонам уходят уведомления,
// событие попадает в ленту активности, агрегаты пересчитываются и
// уезжают по WebSocket (stats_update).
func (h *TaskHandler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	booking, err := h.bookingRepo.GetByID(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get booking")
		return
	}
	if booking.ProviderID != userID {
		writeError(w, http.StatusForbidden, "only task provider can complete")
		return
	}

	ok, err := h.bookingRepo.SetStatus(r.Context(), bookingID, model.BookingConfirmed, model.BookingCompleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete booking")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "booking is not confirmed")
		return
	}

	if err := h.userRepo.TransferCredits(r.Context(), booking.ProviderID, booking.HelperID, booking.AgreedCredits); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			// Откатываем статус: без перевода кредитов завершение не считается.
			if _, rbErr := h.bookingRepo.SetStatus(r.Context(), bookingID, model.BookingCompleted, model.BookingConfirmed); rbErr != nil {
				logger.Errorf("complete booking rollback booking=%s: %v", bookingID, rbErr)
			}
			writeError(w, http.StatusConflict, "insufficient credits")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to transfer credits")
		return
	}

	if _, err := h.taskRepo.SetStatus(r.Context(), booking.TaskID, model.TaskAssigned, model.TaskCompleted); err != nil {
		logger.Errorf("complete booking: task status task=%s: %v", booking.TaskID, err)
	}

	now := time.Now().UTC()
	data, _ := json.Marshal(map[string]string{"task_id": booking.TaskID, "booking_id": booking.ID})

	h.hub.NotifyUser(r.Context(), &model.Notification{
		ID: uuid.New().String(), UserID: booking.HelperID,
		Type: model.NotificationPaymentReceived, Title: "Кредиты зачислены",
		Message: "Бронирование завершено, кредиты переведены на ваш баланс",
		Data:    data, Priority: model.PriorityHigh, CreatedAt: now,
	})
	h.hub.NotifyUser(r.Context(), &model.Notification{
		ID: uuid.New().String(), UserID: booking.ProviderID,
		Type: model.NotificationTaskCompleted, Title: "Задача завершена",
		Message: "Бронирование закрыто, кредиты списаны",
		Data:    data, Priority: model.PriorityMedium, CreatedAt: now,
	})

	for _, uid := range []string{booking.HelperID, booking.ProviderID} {
		ev := &model.ActivityEvent{
			ID:        uuid.New().String(),
			UserID:    uid,
			Type:      "booking_completed",
			Data:      data,
			CreatedAt: now,
		}
		if err := h.activityRepo.Insert(r.Context(), ev); err != nil {
			logger.Errorf("complete booking activity user=%s: %v", uid, err)
		}
	}

	// Агрегаты изменились: пересчитываем и пушим обеим сторонам.
	since := now.AddDate(0, -1, 0)
	for _, uid := range []string{booking.HelperID, booking.ProviderID} {
		stats, err := h.activityRepo.Stats(r.Context(), uid, since)
		if err != nil {
			logger.Errorf("complete booking stats user=%s: %v", uid, err)
			continue
		}
		h.hub.PushStatsUpdate(uid, stats)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CancelBooking доступен обеим сторонам, пока бронирование не завершено.
func (h *TaskHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	booking, err := h.bookingRepo.GetByID(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get booking")
		return
	}
	if booking.ProviderID != userID && booking.HelperID != userID {
		writeError(w, http.StatusForbidden, "not a party of this booking")
		return
	}

	from := booking.Status
	if from != model.BookingPending && from != model.BookingConfirmed {
		writeError(w, http.StatusConflict, "booking cannot be cancelled")
		return
	}
	ok, err := h.bookingRepo.SetStatus(r.Context(), bookingID, from, model.BookingCancelled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel booking")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "booking status changed, retry")
		return
	}
	if from == model.BookingConfirmed {
		if _, err := h.taskRepo.SetStatus(r.Context(), booking.TaskID, model.TaskAssigned, model.TaskOpen); err != nil {
			logger.Errorf("cancel booking: task status task=%s: %v", booking.TaskID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
