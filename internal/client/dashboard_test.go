package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

func newDashboardEnv(t *testing.T, cfg DashboardConfig) (*testEnv, *DashboardStore, *int32) {
	t.Helper()
	env := newTestEnv(t)
	st := NewDashboardStore(env.api, env.sessions, env.state, cfg)
	t.Cleanup(st.Close)

	var fetches int32
	env.mux.HandleFunc("GET /api/dashboard", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fetches, 1)
		writeTestJSON(w, model.DashboardSnapshot{
			Stats: model.DashboardStats{
				TasksCompleted: int(n),
				CreditsEarned:  200,
				AverageRating:  4.5,
				CompletionRate: 0.9,
				ResponseRate:   0.8,
			},
			TimeRange: model.TimeRange(r.URL.Query().Get("range")),
			FetchedAt: time.Now().UTC(),
		})
	})
	env.login(t)
	return env, st, &fetches
}

func TestRefresh_CachedSnapshotIsIdentical(t *testing.T) {
	t.Parallel()
	_, st, fetches := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})

	first, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)
	second, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)

	// Живой кэш — тот же указатель, без похода на сервер.
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(fetches))

	// Другой диапазон — отдельная запись кэша.
	_, err = st.Refresh(context.Background(), model.RangeWeek, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(fetches))
}

func TestRefresh_ForceBypassesCache(t *testing.T) {
	t.Parallel()
	_, st, fetches := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})

	first, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)
	second, err := st.Refresh(context.Background(), model.RangeMonth, true)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(fetches))
}

func TestRefresh_ExpiredTTLRefetches(t *testing.T) {
	t.Parallel()
	_, st, fetches := newDashboardEnv(t, DashboardConfig{
		SnapshotTTL:   20 * time.Millisecond,
		SweepInterval: time.Hour, // sweep не мешает тесту
	})

	_, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(fetches))
}

func TestRefresh_FailureKeepsLastKnownGood(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	st := NewDashboardStore(env.api, env.sessions, env.state, DashboardConfig{SnapshotTTL: time.Minute})
	t.Cleanup(st.Close)

	var fail atomic.Bool
	env.mux.HandleFunc("GET /api/dashboard", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			writeTestJSON(w, map[string]string{"error": "db down"})
			return
		}
		writeTestJSON(w, model.DashboardSnapshot{
			Stats:     model.DashboardStats{CreditsEarned: 200},
			FetchedAt: time.Now().UTC(),
		})
	})
	env.login(t)

	good, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)

	fail.Store(true)
	stale, err := st.Refresh(context.Background(), model.RangeMonth, true)
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)

	// stale-but-available: последний удачный снапшот остаётся на месте.
	assert.Same(t, good, stale)
	assert.Same(t, good, st.Snapshot())
}

func TestUpdateMetric_ProducesNewSnapshot(t *testing.T) {
	t.Parallel()
	_, st, _ := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})

	before, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)
	earnedBefore := before.Stats.CreditsEarned

	require.True(t, st.UpdateMetric("stats.credits_earned", 240))

	after := st.Snapshot()
	assert.NotSame(t, before, after)
	assert.Equal(t, int64(240), after.Stats.CreditsEarned)
	// Старый снапшот неизменяем.
	assert.Equal(t, earnedBefore, before.Stats.CreditsEarned)

	assert.False(t, st.UpdateMetric("stats.unknown_path", 1))
}

func TestDashboardUpdateEvent_AppliesMetric(t *testing.T) {
	t.Parallel()
	env, st, _ := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})
	_, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)

	env.tr.deliver(t, ws.EventDashboardUpdate, ws.DashboardUpdatePayload{
		Metric: "stats.tasks_in_progress",
		Value:  json.RawMessage("7"),
	})
	assert.Equal(t, 7, st.Snapshot().Stats.TasksInProgress)
}

func TestStatsUpdateEvent_ReplacesAggregates(t *testing.T) {
	t.Parallel()
	env, st, _ := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})
	before, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)

	env.tr.deliver(t, ws.EventStatsUpdate, ws.StatsUpdatePayload{
		Stats: &model.DashboardStats{TasksCompleted: 42, CreditsEarned: 500},
	})

	after := st.Snapshot()
	assert.NotSame(t, before, after)
	assert.Equal(t, 42, after.Stats.TasksCompleted)
	assert.Equal(t, int64(500), after.Stats.CreditsEarned)
}

func TestDerivedViews_ComputedOnDemand(t *testing.T) {
	t.Parallel()
	env, st, _ := newDashboardEnv(t, DashboardConfig{SnapshotTTL: time.Minute})
	_, err := st.Refresh(context.Background(), model.RangeMonth, false)
	require.NoError(t, err)

	// 0.9*50 + 0.8*30 + 4.5/5*20
	assert.InDelta(t, 87.0, st.PerformanceScore(), 0.001)

	env.tr.deliver(t, ws.EventStatsUpdate, ws.StatsUpdatePayload{
		Stats: &model.DashboardStats{CompletionRate: 1, ResponseRate: 1, AverageRating: 5},
	})
	assert.InDelta(t, 100.0, st.PerformanceScore(), 0.001)
}

func TestActivityQueue_FlushDrainsAndAcks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	st := NewDashboardStore(env.api, env.sessions, env.state, DashboardConfig{
		FlushInterval: time.Hour, // сливаем вручную
	})
	t.Cleanup(st.Close)

	var received atomic.Int32
	var fail atomic.Bool
	env.mux.HandleFunc("POST /api/activity/batch", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			writeTestJSON(w, map[string]string{"error": "db down"})
			return
		}
		var req struct {
			Events []model.ActivityEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received.Add(int32(len(req.Events)))
		writeTestJSON(w, map[string]any{"status": "ok", "accepted": len(req.Events)})
	})
	env.login(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.RecordActivity("booking_completed", nil))
	}

	// Неудачный слив оставляет очередь нетронутой.
	fail.Store(true)
	require.Error(t, st.Flush(context.Background()))
	n, err := env.state.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	fail.Store(false)
	require.NoError(t, st.Flush(context.Background()))
	assert.Equal(t, int32(3), received.Load())
	n, err = env.state.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Пустая очередь — no-op.
	require.NoError(t, st.Flush(context.Background()))
	assert.Equal(t, int32(3), received.Load())
}
