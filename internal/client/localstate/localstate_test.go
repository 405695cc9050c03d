package localstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSession_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	st := openStore(t, path)
	require.NoError(t, st.SaveSession([]byte(`{"session_id":"sess-1"}`)))
	require.NoError(t, st.Close())

	st2 := openStore(t, path)
	data, err := st2.LoadSession()
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"sess-1"}`, string(data))
}

func TestSession_ClearAndMissing(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "state"))

	_, err := st.LoadSession()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, st.SaveSession([]byte(`{}`)))
	require.NoError(t, st.ClearSession())
	_, err = st.LoadSession()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestActivityQueue_DrainInInsertionOrder(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "state"))

	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, st.EnqueueActivity(model.ActivityEvent{ID: "ev-" + typ, Type: typ}))
	}

	events, keys, err := st.Drain(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Len(t, keys, 3)
	assert.Equal(t, "first", events[0].Type)
	assert.Equal(t, "second", events[1].Type)
	assert.Equal(t, "third", events[2].Type)

	// Drain без Ack не удаляет: недоставленный батч будет перечитан.
	again, _, err := st.Drain(10)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, st.Ack(keys))
	empty, _, err := st.Drain(10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestActivityQueue_DrainRespectsLimit(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "state"))
	for i := 0; i < 5; i++ {
		require.NoError(t, st.EnqueueActivity(model.ActivityEvent{ID: string(rune('a' + i)), Type: "ev"}))
	}

	events, keys, err := st.Drain(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	require.NoError(t, st.Ack(keys))

	n, err := st.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActivityQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	st := openStore(t, path)
	require.NoError(t, st.EnqueueActivity(model.ActivityEvent{ID: "ev-1", Type: "offline"}))
	require.NoError(t, st.Close())

	st2 := openStore(t, path)
	events, _, err := st2.Drain(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "offline", events[0].Type)
}
