package client

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timeslice/internal/client/localstate"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/ws"
)

// DashboardConfig — тайминги кэша снапшотов и слива офлайн-очереди.
type DashboardConfig struct {
	SnapshotTTL   time.Duration
	SweepInterval time.Duration
	FlushInterval time.Duration
	FlushBatchMax int
}

func (c *DashboardConfig) normalize() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	if c.FlushBatchMax <= 0 {
		c.FlushBatchMax = 100
	}
}

// DashboardStore — кэшированные по диапазону снапшоты производных метрик.
// Снапшот — неизменяемое значение: обновления производят новый снапшот,
// старый никогда не мутируется на месте.
type DashboardStore struct {
	api      *API
	sessions *SessionStore
	state    *localstate.Store
	cfg      DashboardConfig

	mu           sync.Mutex
	cache        map[model.TimeRange]*model.DashboardSnapshot
	currentRange model.TimeRange
	closed       bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewDashboardStore(api *API, sessions *SessionStore, state *localstate.Store, cfg DashboardConfig) *DashboardStore {
	cfg.normalize()
	st := &DashboardStore{
		api:      api,
		sessions: sessions,
		state:    state,
		cfg:      cfg,
		cache:    make(map[model.TimeRange]*model.DashboardSnapshot),
		stop:     make(chan struct{}),
	}
	sessions.OnTransport(st.Bind)
	// Таймеры sweep и flush независимы и не блокируют пользовательские
	// операции: обработчик тика берёт мьютекс наравне со всеми.
	go st.sweepLoop()
	go st.flushLoop()
	return st
}

func (st *DashboardStore) Bind(tr Transport) {
	tr.On(ws.EventStatsUpdate, st.handleStatsUpdate)
	tr.On(ws.EventDashboardUpdate, st.handleDashboardUpdate)
}

func (st *DashboardStore) Close() {
	st.stopOnce.Do(func() { close(st.stop) })
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}

// Refresh возвращает снапшот для диапазона. Живой кэш отдаётся тем же
// указателем; force всегда ходит на сервер. Сбой обновления оставляет
// последний удачный снапшот на месте и возвращает его вместе с ошибкой.
func (st *DashboardStore) Refresh(ctx context.Context, timeRange model.TimeRange, force bool) (*model.DashboardSnapshot, error) {
	st.mu.Lock()
	st.currentRange = timeRange
	if snap, ok := st.cache[timeRange]; ok && !force && time.Since(snap.FetchedAt) < st.cfg.SnapshotTTL {
		st.mu.Unlock()
		return snap, nil
	}
	st.mu.Unlock()

	snap, err := st.api.DashboardSnapshot(ctx, timeRange)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		// stale-but-available: UI не очищается из-за временного сбоя.
		return st.cache[timeRange], err
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	snap.TimeRange = timeRange
	if st.closed {
		return snap, nil
	}
	st.cache[timeRange] = snap
	return snap, nil
}

// Snapshot возвращает текущий кэшированный снапшот (может быть nil).
func (st *DashboardStore) Snapshot() *model.DashboardSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cache[st.currentRange]
}

// UpdateMetric — точечное оптимистичное обновление одного поля текущего
// снапшота без полного рефреша (до прихода подтверждённых данных сервера).
func (st *DashboardStore) UpdateMetric(path string, value float64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	cur, ok := st.cache[st.currentRange]
	if !ok {
		return false
	}
	next := *cur
	if !applyMetric(&next.Stats, path, value) {
		logger.Debugf("update metric: неизвестный путь %q", path)
		return false
	}
	st.cache[st.currentRange] = &next
	return true
}

func applyMetric(s *model.DashboardStats, path string, value float64) bool {
	switch path {
	case "stats.tasks_completed":
		s.TasksCompleted = int(value)
	case "stats.tasks_in_progress":
		s.TasksInProgress = int(value)
	case "stats.credits_earned":
		s.CreditsEarned = int64(value)
	case "stats.credits_spent":
		s.CreditsSpent = int64(value)
	case "stats.average_rating":
		s.AverageRating = value
	case "stats.response_rate":
		s.ResponseRate = value
	case "stats.completion_rate":
		s.CompletionRate = value
	default:
		return false
	}
	return true
}

// PerformanceScore — производная оценка 0..100 из текущего снапшота.
// Считается по требованию и нигде не хранится.
func (st *DashboardStore) PerformanceScore() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.cache[st.currentRange]
	if !ok {
		return 0
	}
	s := cur.Stats
	return s.CompletionRate*50 + s.ResponseRate*30 + s.AverageRating/5*20
}

// ActivitySummary — количество событий по типам в текущем снапшоте.
func (st *DashboardStore) ActivitySummary() map[string]int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int)
	cur, ok := st.cache[st.currentRange]
	if !ok {
		return out
	}
	for _, ev := range cur.Activity {
		out[ev.Type]++
	}
	return out
}

// RecordActivity кладёт событие в локальную офлайн-очередь; на сервер оно
// уедет очередным батчем.
func (st *DashboardStore) RecordActivity(eventType string, data json.RawMessage) error {
	userID := ""
	if s := st.sessions.Session(); s != nil {
		userID = s.UserID
	}
	return st.state.EnqueueActivity(model.ActivityEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// Flush сливает накопленную очередь в REST одним батчем. Недоставленный
// батч остаётся в очереди: вставка на сервере идемпотентна по id, повторная
// доставка безопасна.
func (st *DashboardStore) Flush(ctx context.Context) error {
	events, keys, err := st.state.Drain(st.cfg.FlushBatchMax)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		if err := st.api.SubmitActivityBatch(ctx, events); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return st.state.Ack(keys)
}

func (st *DashboardStore) sweepLoop() {
	t := time.NewTicker(st.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-t.C:
			st.mu.Lock()
			for r, snap := range st.cache {
				if time.Since(snap.FetchedAt) > st.cfg.SnapshotTTL {
					delete(st.cache, r)
				}
			}
			st.mu.Unlock()
		}
	}
}

func (st *DashboardStore) flushLoop() {
	t := time.NewTicker(st.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := st.Flush(ctx); err != nil {
				logger.Errorf("activity flush: %v", err)
			}
			cancel()
		}
	}
}

// --- Входящие события транспорта ---

// handleStatsUpdate заменяет агрегаты во всех живых снапшотах новыми
// значениями сервера (новыми снапшотами, старые не мутируются).
func (st *DashboardStore) handleStatsUpdate(payload json.RawMessage) {
	var p ws.StatsUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Stats == nil {
		logger.Errorf("event stats_update: bad payload: %v", err)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for r, snap := range st.cache {
		next := *snap
		next.Stats = *p.Stats
		st.cache[r] = &next
	}
}

func (st *DashboardStore) handleDashboardUpdate(payload json.RawMessage) {
	var p ws.DashboardUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Errorf("event dashboard_update: bad payload: %v", err)
		return
	}
	value, err := strconv.ParseFloat(string(p.Value), 64)
	if err != nil {
		logger.Errorf("event dashboard_update: metric %s: %v", p.Metric, err)
		return
	}
	st.UpdateMetric(p.Metric, value)
}
