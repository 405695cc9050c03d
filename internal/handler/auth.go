package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/middleware"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/service"
)

type AuthHandler struct {
	authSvc *service.AuthService
}

func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.authSvc.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "Неверный формат email")
		case errors.Is(err, service.ErrEmailTaken):
			writeError(w, http.StatusConflict, "Email уже зарегистрирован")
		case errors.Is(err, service.ErrInvalidRole):
			writeError(w, http.StatusBadRequest, "Недопустимая роль")
		default:
			logger.Errorf("register failed for %s: %v", req.Email, err)
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.authSvc.Login(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimitExceeded):
			writeError(w, http.StatusTooManyRequests, "Слишком много попыток входа. Попробуйте позже.")
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Неверный email или пароль")
		case errors.Is(err, service.ErrUserDisabled):
			writeError(w, http.StatusForbidden, "Пользователь отключён и не может войти")
		default:
			logger.Errorf("login error email=%s device_id=%s: %v", req.Email, req.DeviceID, err)
			writeError(w, http.StatusInternalServerError, "Ошибка входа")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type switchRoleRequest struct {
	Role model.Role `json:"role"`
}

func (h *AuthHandler) SwitchRole(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req switchRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.authSvc.SwitchRole(r.Context(), userID, req.Role)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRole) {
			writeError(w, http.StatusBadRequest, "Недопустимая роль")
			return
		}
		logger.Errorf("switch-role user_id=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Ошибка смены роли")
		return
	}
	writeJSON(w, http.StatusOK, user.ToPublic())
}

func (h *AuthHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.authSvc.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка загрузки сессий")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *AuthHandler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID := middleware.GetSessionID(r.Context())
	if userID == "" || sessionID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ok, err := h.authSvc.LogoutSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка выхода")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Сессия не найдена")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) LogoutAllSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := h.authSvc.LogoutAllSessions(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка выхода")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ValidateRequest struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Body      string `json:"body"`
}

type ValidateResponse struct {
	UserID string `json:"user_id"`
}

// ValidateSession — внутренний эндпоинт для push-сервиса: проверка подписи без доступа к store.
func ValidateSession(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		userID, err := authSvc.ValidateRequest(r.Context(), req.SessionID, req.Timestamp, req.Signature, req.Method, req.Path, req.Body)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, ValidateResponse{UserID: userID})
	}
}
