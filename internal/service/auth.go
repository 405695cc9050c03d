package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/repository"
	"github.com/timeslice/internal/storage"
)

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserDisabled       = errors.New("user disabled")
	ErrInvalidRole        = errors.New("invalid role")
)

func maskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}

type AuthService struct {
	userRepo    *repository.UserRepository
	sessionRepo *repository.SessionRepository
	store       storage.SessionSecretStore
}

func NewAuthService(
	userRepo *repository.UserRepository,
	sessionRepo *repository.SessionRepository,
	store storage.SessionSecretStore,
) *AuthService {
	return &AuthService{userRepo: userRepo, sessionRepo: sessionRepo, store: store}
}

// Валидация email: допустимый формат (упрощённый, без полного RFC).
var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
	DeviceID    string     `json:"device_id"`
	DeviceName  string     `json:"device_name"` // опционально
}

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type AuthResponse struct {
	SessionID     string           `json:"session_id"`
	SessionSecret string           `json:"session_secret"`
	User          model.UserPublic `json:"user"`
	IsNewUser     bool             `json:"is_new_user,omitempty"`
}

func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	emailNorm := strings.TrimSpace(strings.ToLower(req.Email))
	if emailNorm == "" || req.Password == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("email, password и device_id обязательны")
	}
	if !emailRegexp.MatchString(emailNorm) {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("пароль должен быть не короче 8 символов")
	}
	role := req.Role
	if role == "" {
		role = model.RoleHelper
	}
	if role != model.RoleHelper && role != model.RoleProvider {
		return nil, ErrInvalidRole
	}
	if _, err := s.userRepo.GetByEmail(ctx, emailNorm); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.createUser(ctx, emailNorm, string(hash), strings.TrimSpace(req.DisplayName), role)
	if err != nil {
		return nil, err
	}
	resp, err := s.issueSession(ctx, user, req.DeviceID, req.DeviceName)
	if err != nil {
		return nil, err
	}
	resp.IsNewUser = true
	return resp, nil
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	emailNorm := strings.TrimSpace(strings.ToLower(req.Email))
	if emailNorm == "" || req.Password == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("email, password и device_id обязательны")
	}
	allowed, err := s.store.CheckLoginRateLimit(ctx, emailNorm)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrRateLimitExceeded
	}
	user, err := s.userRepo.GetByEmail(ctx, emailNorm)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// bcrypt на фиктивном хэше, чтобы не отличать по времени ответа существующих пользователей.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(req.Password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		logger.Infof("login: неверный пароль email=%s", emailNorm)
		return nil, ErrInvalidCredentials
	}
	if user.DisabledAt != nil {
		return nil, ErrUserDisabled
	}
	return s.issueSession(ctx, user, req.DeviceID, req.DeviceName)
}

// issueSession создаёт сессию и 32-байтный секрет. Секрет отдаётся клиенту один раз,
// в store хранится для проверки подписи, в БД — только его SHA-256.
func (s *AuthService) issueSession(ctx context.Context, user *model.User, deviceID, deviceName string) (*AuthResponse, error) {
	sessionID := uuid.New().String()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	secretB64 := base64.StdEncoding.EncodeToString(secret)
	h := sha256.Sum256(secret)
	secretHash := hex.EncodeToString(h[:])
	now := time.Now().UTC()
	session := &model.Session{
		ID: sessionID, UserID: user.ID, DeviceID: deviceID, DeviceName: strings.TrimSpace(deviceName),
		SecretHash: secretHash, LastSeenAt: now, CreatedAt: now,
	}
	if err := s.sessionRepo.UpsertByUserIDAndDeviceID(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.store.SetSessionSecret(ctx, sessionID, secretB64); err != nil {
		logger.Errorf("issueSession: SetSessionSecret failed: %v", err)
		if _, delErr := s.sessionRepo.Revoke(ctx, sessionID); delErr != nil {
			logger.Errorf("issueSession: rollback Revoke session: %v", delErr)
		}
		return nil, fmt.Errorf("save session secret: %w", err)
	}
	return &AuthResponse{SessionID: sessionID, SessionSecret: secretB64, User: user.ToPublic()}, nil
}

func (s *AuthService) createUser(ctx context.Context, emailAddr, passwordHash, displayName string, role model.Role) (*model.User, error) {
	username := deriveUsername(emailAddr)
	for i := 0; i < 10; i++ {
		try := username
		if i > 0 {
			try = username + "_" + uuid.New().String()[:8]
		}
		if len(try) > 50 {
			try = try[:50]
		}
		_, err := s.userRepo.GetByUsername(ctx, try)
		if errors.Is(err, repository.ErrNotFound) {
			now := time.Now().UTC()
			if displayName == "" {
				displayName = try
			}
			u := &model.User{
				ID: uuid.New().String(), Username: try, Email: emailAddr,
				PasswordHash: passwordHash, DisplayName: displayName, Role: role,
				LastSeenAt: now, IsOnline: false, CreatedAt: now,
			}
			if err := s.userRepo.Create(ctx, u); err != nil {
				return nil, err
			}
			return u, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("не удалось сгенерировать username")
}

func deriveUsername(emailAddr string) string {
	at := strings.Index(emailAddr, "@")
	if at <= 0 {
		return "user_" + uuid.New().String()[:8]
	}
	local := strings.ReplaceAll(emailAddr[:at], ".", "_")
	if len(local) > 50 {
		local = local[:50]
	}
	if local == "" {
		return "user_" + uuid.New().String()[:8]
	}
	return local
}

// SwitchRole переключает активную роль пользователя (исполнитель/заказчик).
func (s *AuthService) SwitchRole(ctx context.Context, userID string, role model.Role) (*model.User, error) {
	if role != model.RoleHelper && role != model.RoleProvider {
		return nil, ErrInvalidRole
	}
	if err := s.userRepo.SetRole(ctx, userID, role); err != nil {
		return nil, err
	}
	return s.userRepo.GetByID(ctx, userID)
}

func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]model.Session, error) {
	return s.sessionRepo.ListByUser(ctx, userID)
}

func (s *AuthService) LogoutSession(ctx context.Context, userID, sessionID string) (bool, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if sess.UserID != userID {
		return false, nil
	}
	ok, err := s.sessionRepo.Revoke(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		if err := s.store.DeleteSessionSecret(ctx, sessionID); err != nil {
			logger.Errorf("LogoutSession: DeleteSessionSecret session_id=%s: %v", maskSessionID(sessionID), err)
		}
	}
	return ok, nil
}

func (s *AuthService) LogoutAllSessions(ctx context.Context, userID string) (int64, error) {
	ids, err := s.sessionRepo.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.sessionRepo.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, sess := range ids {
		if err := s.store.DeleteSessionSecret(ctx, sess.ID); err != nil {
			logger.Errorf("LogoutAllSessions: DeleteSessionSecret session_id=%s: %v", maskSessionID(sess.ID), err)
		}
	}
	return n, nil
}

// ValidateRequest проверяет подпись запроса и возвращает user_id. Используется push-сервисом через POST /internal/validate.
// timestamp — Unix секунды; допустимое отклонение ±30 сек.
func (s *AuthService) ValidateRequest(ctx context.Context, sessionID, timestamp, signature, method, path, body string) (userID string, err error) {
	if sessionID == "" || timestamp == "" || signature == "" {
		return "", ErrInvalidCredentials
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	t := time.Unix(ts, 0)
	if time.Since(t) > 30*time.Second || time.Until(t) > 30*time.Second {
		logger.Errorf("validate: timestamp out of window session_id=%s", maskSessionID(sessionID))
		return "", ErrInvalidCredentials
	}
	secretB64, err := s.store.GetSessionSecret(ctx, sessionID)
	if err != nil || secretB64 == "" {
		return "", ErrInvalidCredentials
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(secret) != 32 {
		return "", ErrInvalidCredentials
	}
	payload := method + path + body + timestamp
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		logger.Errorf("validate: signature mismatch path=%q", path)
		return "", ErrInvalidCredentials
	}
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil || sess == nil {
		return "", ErrInvalidCredentials
	}
	user, err := s.userRepo.GetByID(ctx, sess.UserID)
	if err != nil || user == nil || user.DisabledAt != nil {
		return "", ErrInvalidCredentials
	}
	if err := s.sessionRepo.UpdateLastSeen(ctx, sessionID, time.Now().UTC()); err != nil {
		logger.Errorf("validate: UpdateLastSeen session_id=%s: %v", maskSessionID(sessionID), err)
	}
	return sess.UserID, nil
}
