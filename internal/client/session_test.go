package client

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
)

func TestLogin_OpensTransportAndPersists(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var bound []Transport
	env.sessions.OnTransport(func(tr Transport) { bound = append(bound, tr) })

	sess := env.login(t)
	assert.Equal(t, testUserID, sess.UserID)
	assert.Equal(t, model.RoleHelper, sess.Role)
	assert.Equal(t, int64(100), sess.CreditsBalance)

	require.Len(t, bound, 1)
	assert.Same(t, Transport(env.tr), bound[0])
	assert.NotNil(t, env.sessions.Transport())

	// Реквизиты пережили запись: их можно поднять с диска.
	data, err := env.state.LoadSession()
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-1")
}

func TestResume_RestoresSessionBetweenRuns(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.login(t)

	// Новый процесс: тот же localstate, свежие сторы.
	tr2 := newFakeTransport()
	sessions2 := NewSessionStore(env.api, env.state, func(ctx context.Context, creds *Credentials) (Transport, error) {
		return tr2, nil
	})
	sess, err := sessions2.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testUserID, sess.UserID)
	assert.Same(t, Transport(tr2), sessions2.Transport())
}

func TestResume_NoSavedSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.sessions.Resume(context.Background())
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestResume_StaleCredentialsCleared(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.login(t)

	// Сессию ревокнули на сервере: профиль больше не отдаётся.
	sessions2 := NewSessionStore(NewAPI(env.server.URL+"/gone"), env.state, func(ctx context.Context, creds *Credentials) (Transport, error) {
		return newFakeTransport(), nil
	})
	_, err := sessions2.Resume(context.Background())
	require.Error(t, err)

	// Протухшие реквизиты стёрты — повторный resume их не найдёт.
	_, err = sessions2.Resume(context.Background())
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSwitchRole_ReplacesSessionValue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.mux.HandleFunc("POST /api/auth/switch-role", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, model.UserPublic{ID: testUserID, DisplayName: "Me", Role: model.RoleProvider})
	})
	env.login(t)
	before := env.sessions.Session()

	sess, err := env.sessions.SwitchRole(context.Background(), model.RoleProvider)
	require.NoError(t, err)
	assert.Equal(t, model.RoleProvider, sess.Role)
	assert.Equal(t, model.RoleHelper, before.Role)
	assert.Equal(t, model.RoleProvider, env.sessions.Session().Role)

	// Транспорт не пересоздаётся: соединение привязано к пользователю.
	assert.Same(t, Transport(env.tr), env.sessions.Transport())
}

func TestLogout_DestroysSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"status": "ok"})
	})
	env.login(t)

	require.NoError(t, env.sessions.Logout(context.Background()))
	assert.Nil(t, env.sessions.Session())
	assert.Nil(t, env.sessions.Transport())
	select {
	case <-env.tr.Done():
	default:
		t.Fatal("транспорт должен быть закрыт при logout")
	}

	_, err := env.state.LoadSession()
	require.Error(t, err)
}

func TestRequestSigning_HeadersPresent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var gotSession, gotSignature, gotTimestamp string
	env.mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("X-Session-Id")
		gotSignature = r.Header.Get("X-Signature")
		gotTimestamp = r.Header.Get("X-Timestamp")
		writeTestJSON(w, NotificationList{})
	})
	env.login(t)

	_, err := env.api.Notifications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", gotSession)
	require.NotEmpty(t, gotTimestamp)

	// Подпись проверяема той же схемой: метод + путь + тело + timestamp.
	want, err := Sign(testSecret(), http.MethodGet, "/api/notifications", "", gotTimestamp)
	require.NoError(t, err)
	assert.Equal(t, want, gotSignature)
}
