package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/timeslice/internal/client/localstate"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
)

// Session — текущая аутентифицированная личность. Заменяется целиком при
// смене роли, уничтожается при logout. Живая сессия в процессе ровно одна.
type Session struct {
	UserID         string
	DisplayName    string
	Role           model.Role
	CreditsBalance int64
}

// Dialer открывает транспорт для реквизитов сессии. Подменяется в тестах.
type Dialer func(ctx context.Context, creds *Credentials) (Transport, error)

// SessionStore владеет сессией и транспортом: только он открывает и
// закрывает соединение. Остальные сторы читают сессию и получают транспорт
// через Bind при логине.
type SessionStore struct {
	api   *API
	state *localstate.Store
	dial  Dialer

	mu        sync.Mutex
	session   *Session
	transport Transport
	onBind    []func(Transport)
}

func NewSessionStore(api *API, state *localstate.Store, dial Dialer) *SessionStore {
	if dial == nil {
		dial = func(ctx context.Context, creds *Credentials) (Transport, error) {
			return DialTransport(ctx, api.baseURL, creds)
		}
	}
	return &SessionStore{api: api, state: state, dial: dial}
}

// OnTransport регистрирует привязку стора к транспорту; вызывается при
// каждом открытии соединения (логин, resume, внешнее переподключение).
func (s *SessionStore) OnTransport(bind func(Transport)) {
	s.mu.Lock()
	s.onBind = append(s.onBind, bind)
	s.mu.Unlock()
}

// Login аутентифицируется, сохраняет реквизиты локально и открывает транспорт.
// Предыдущая сессия (если была) закрывается.
func (s *SessionStore) Login(ctx context.Context, email, password, deviceID, deviceName string) (*Session, error) {
	creds, err := s.api.Login(ctx, LoginRequest{
		Email: email, Password: password, DeviceID: deviceID, DeviceName: deviceName,
	})
	if err != nil {
		return nil, err
	}
	return s.open(ctx, creds, true)
}

// Register создаёт аккаунт и сразу открывает сессию.
func (s *SessionStore) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	creds, err := s.api.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, creds, true)
}

// Resume восстанавливает сессию из локального состояния между запусками
// процесса. Невалидные реквизиты стираются.
func (s *SessionStore) Resume(ctx context.Context) (*Session, error) {
	data, err := s.state.LoadSession()
	if errors.Is(err, localstate.ErrNoSession) {
		return nil, &NotFoundError{Kind: "session", ID: "local"}
	}
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		if clearErr := s.state.ClearSession(); clearErr != nil {
			logger.Errorf("session resume: clear broken state: %v", clearErr)
		}
		return nil, fmt.Errorf("session resume: %w", err)
	}
	return s.open(ctx, &creds, false)
}

func (s *SessionStore) open(ctx context.Context, creds *Credentials, persist bool) (*Session, error) {
	s.api.SetCredentials(creds)

	// Полный профиль нужен ради баланса кредитов; для resume это заодно
	// проверка, что сессия ещё жива на сервере.
	user, err := s.api.Me(ctx)
	if err != nil {
		if persist {
			// Логин прошёл, профиль не добрался — работаем с публичными данными.
			logger.Errorf("session open: профиль недоступен: %v", err)
			user = &model.User{
				ID:          creds.User.ID,
				DisplayName: creds.User.DisplayName,
				Role:        creds.User.Role,
			}
		} else {
			s.api.SetCredentials(nil)
			if clearErr := s.state.ClearSession(); clearErr != nil {
				logger.Errorf("session resume: clear stale state: %v", clearErr)
			}
			return nil, err
		}
	}

	if persist {
		data, err := json.Marshal(creds)
		if err != nil {
			return nil, fmt.Errorf("session persist: %w", err)
		}
		if err := s.state.SaveSession(data); err != nil {
			logger.Errorf("session persist: %v", err)
		}
	}

	tr, err := s.dial(ctx, creds)
	if err != nil {
		s.api.SetCredentials(nil)
		return nil, err
	}

	s.mu.Lock()
	if s.transport != nil {
		s.transport.Close()
	}
	s.transport = tr
	s.session = &Session{
		UserID:         user.ID,
		DisplayName:    user.DisplayName,
		Role:           user.Role,
		CreditsBalance: user.CreditsBalance,
	}
	binds := s.onBind
	sess := *s.session
	s.mu.Unlock()

	for _, bind := range binds {
		bind(tr)
	}
	return &sess, nil
}

// SwitchRole заменяет сессию новым значением с другой ролью. Транспорт
// остаётся прежним: соединение привязано к пользователю, не к роли.
func (s *SessionStore) SwitchRole(ctx context.Context, role model.Role) (*Session, error) {
	user, err := s.api.SwitchRole(ctx, role)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, &NotFoundError{Kind: "session", ID: "current"}
	}
	next := *s.session
	next.Role = user.Role
	next.DisplayName = user.DisplayName
	s.session = &next
	sess := next
	return &sess, nil
}

// Logout уничтожает сессию: ревокация на сервере best-effort, транспорт
// закрывается, локальные реквизиты стираются.
func (s *SessionStore) Logout(ctx context.Context) error {
	if err := s.api.Logout(ctx); err != nil {
		logger.Errorf("logout: server revoke: %v", err)
	}
	s.mu.Lock()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.session = nil
	s.mu.Unlock()

	s.api.SetCredentials(nil)
	if err := s.state.ClearSession(); err != nil {
		return err
	}
	return nil
}

// Session возвращает копию текущей сессии или nil.
func (s *SessionStore) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	sess := *s.session
	return &sess
}

// ApplyCreditsBalance обновляет баланс в сессии (после stats_update).
func (s *SessionStore) ApplyCreditsBalance(balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	next := *s.session
	next.CreditsBalance = balance
	s.session = &next
}

// Transport возвращает текущий транспорт (nil до логина).
func (s *SessionStore) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
