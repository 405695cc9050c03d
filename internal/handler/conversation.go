package handler

import (
	"context"
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

type ConversationHandler struct {
	convRepo *repository.ConversationRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
	hub      *ws.Hub
}

func NewConversationHandler(
	convRepo *repository.ConversationRepository,
	userRepo *repository.UserRepository,
	msgRepo *repository.MessageRepository,
	hub *ws.Hub,
) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo, userRepo: userRepo, msgRepo: msgRepo, hub: hub}
}

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	TaskID         string   `json:"task_id,omitempty"`
	InitialMessage string   `json:"initial_message,omitempty"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())

	// Отсекаем пустых участников и самого создателя.
	others := make([]string, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == currentUserID {
			continue
		}
		others = append(others, id)
	}
	if len(others) == 0 {
		writeError(w, http.StatusBadRequest, "participant_ids is required")
		return
	}

	for _, uid := range others {
		if _, err := h.userRepo.GetByID(r.Context(), uid); err != nil {
			writeError(w, http.StatusNotFound, "user not found: "+uid)
			return
		}
	}

	// Личный разговор без задачи не дублируем: возвращаем существующий.
	if len(others) == 1 && req.TaskID == "" {
		existing, err := h.convRepo.FindDirectBetween(r.Context(), currentUserID, others[0])
		if err == nil && existing != nil {
			enriched, err := h.enrichConversation(r.Context(), existing, currentUserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to enrich conversation")
				return
			}
			writeJSON(w, http.StatusOK, enriched)
			return
		}
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		TaskID:    req.TaskID,
		CreatedBy: currentUserID,
		CreatedAt: now,
	}
	if err := h.convRepo.Create(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	for _, uid := range append([]string{currentUserID}, others...) {
		member := &model.ConversationMember{
			ConversationID: conv.ID,
			UserID:         uid,
			JoinedAt:       now,
			LastReadAt:     now,
		}
		if err := h.convRepo.AddMember(r.Context(), member); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to add participant")
			return
		}
	}

	if msg := strings.TrimSpace(req.InitialMessage); msg != "" {
		first := &model.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       currentUserID,
			Content:        msg,
			DeliveryState:  model.DeliverySent,
			SentAt:         now,
		}
		if err := h.msgRepo.Create(r.Context(), first); err != nil {
			logger.Errorf("create conversation initial message conv=%s: %v", conv.ID, err)
		}
	}

	enriched, err := h.enrichConversation(r.Context(), conv, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich conversation")
		return
	}

	h.hub.BroadcastToConversation(r.Context(), conv.ID, ws.OutgoingMessage{
		Type:    ws.EventConversationCreated,
		Payload: enriched,
	})

	writeJSON(w, http.StatusCreated, enriched)
}

func (h *ConversationHandler) GetUserConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	views, err := h.convRepo.GetUserConversations(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get conversations")
		return
	}

	for i := range views {
		participants, err := h.convRepo.GetMembers(ctx, views[i].Conversation.ID)
		if err != nil {
			logger.Errorf("GetUserConversations members conv=%s: %v", views[i].Conversation.ID, err)
			continue
		}
		views[i].Participants = participants
		lastMsg, err := h.msgRepo.GetLastMessage(ctx, views[i].Conversation.ID)
		if err != nil {
			logger.Errorf("GetUserConversations last message conv=%s: %v", views[i].Conversation.ID, err)
		}
		views[i].LastMessage = lastMsg
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.convRepo.IsMember(r.Context(), convID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	conv, err := h.convRepo.GetByID(r.Context(), convID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	enriched, err := h.enrichConversation(r.Context(), conv, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich conversation")
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.convRepo.IsMember(r.Context(), convID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	limit, offset := queryPage(r, 50, 100)

	messages, err := h.msgRepo.GetConversationMessages(r.Context(), convID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	// Открытие переписки считается прочтением: двигаем last_read_at,
	// поэтому счётчик непрочитанных у этого участника обнуляется.
	if offset == 0 {
		h.markRead(r.Context(), convID, userID)
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *ConversationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.convRepo.IsMember(r.Context(), convID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	h.markRead(r.Context(), convID, userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ConversationHandler) markRead(ctx context.Context, convID, userID string) {
	if err := h.convRepo.UpdateMemberLastRead(ctx, convID, userID, time.Now().UTC()); err != nil {
		logger.Errorf("markRead conv=%s user=%s: %v", convID, userID, err)
		return
	}
	h.hub.BroadcastToConversation(ctx, convID, ws.OutgoingMessage{
		Type:    ws.EventConversationUpdated,
		Payload: ws.ConversationUpdatedPayload{ConversationID: convID, ReadBy: userID},
	})
}

func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	conv, err := h.convRepo.GetByID(r.Context(), convID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	if conv.CreatedBy != userID {
		writeError(w, http.StatusForbidden, "only creator can delete conversation")
		return
	}

	if err := h.convRepo.Delete(r.Context(), convID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ConversationHandler) enrichConversation(ctx context.Context, conv *model.Conversation, userID string) (*model.ConversationView, error) {
	participants, err := h.convRepo.GetMembers(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	lastMsg, err := h.msgRepo.GetLastMessage(ctx, conv.ID)
	if err != nil {
		logger.Errorf("enrichConversation last message conv=%s: %v", conv.ID, err)
	}

	unread, err := h.msgRepo.CountUnread(ctx, conv.ID, userID)
	if err != nil {
		logger.Errorf("enrichConversation unread count conv=%s: %v", conv.ID, err)
	}

	return &model.ConversationView{
		Conversation: *conv,
		Participants: participants,
		LastMessage:  lastMsg,
		UnreadCount:  unread,
	}, nil
}
