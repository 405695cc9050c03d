package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/middleware"
	"github.com/timeslice/internal/model"
	"github.com/timeslice/internal/repository"
)

type DashboardHandler struct {
	activityRepo *repository.ActivityRepository
}

func NewDashboardHandler(activityRepo *repository.ActivityRepository) *DashboardHandler {
	return &DashboardHandler{activityRepo: activityRepo}
}

func parseRange(r *http.Request) model.TimeRange {
	switch model.TimeRange(r.URL.Query().Get("range")) {
	case model.RangeWeek:
		return model.RangeWeek
	case model.RangeQuarter:
		return model.RangeQuarter
	case model.RangeYear:
		return model.RangeYear
	default:
		return model.RangeMonth
	}
}

func rangeSince(tr model.TimeRange) time.Time {
	return time.Now().UTC().AddDate(0, 0, -tr.Days())
}

// Snapshot собирает полный срез дашборда за диапазон одним ответом.
func (h *DashboardHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	tr := parseRange(r)
	since := rangeSince(tr)

	stats, err := h.activityRepo.Stats(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	earnings, err := h.activityRepo.EarningsSeries(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load earnings")
		return
	}
	performance, err := h.activityRepo.PerformanceSeries(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load performance")
		return
	}
	activity, err := h.activityRepo.ListByUser(r.Context(), userID, since, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}

	snap := model.DashboardSnapshot{
		Stats:       *stats,
		Earnings:    earnings,
		Performance: performance,
		Activity:    activity,
		Insights:    buildInsights(stats, earnings),
		TimeRange:   tr,
		FetchedAt:   time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	stats, err := h.activityRepo.Stats(r.Context(), userID, rangeSince(parseRange(r)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *DashboardHandler) Earnings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	series, err := h.activityRepo.EarningsSeries(r.Context(), userID, rangeSince(parseRange(r)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load earnings")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (h *DashboardHandler) Performance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	series, err := h.activityRepo.PerformanceSeries(r.Context(), userID, rangeSince(parseRange(r)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load performance")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (h *DashboardHandler) Activity(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, _ := queryPage(r, 50, 200)
	events, err := h.activityRepo.ListByUser(r.Context(), userID, rangeSince(parseRange(r)), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type activityBatchRequest struct {
	Events []model.ActivityEvent `json:"events"`
}

// SubmitActivityBatch принимает накопленную офлайн очередь событий клиента.
// Вставка идемпотентна по id, поэтому повторная доставка батча безопасна.
func (h *DashboardHandler) SubmitActivityBatch(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req activityBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": 0})
		return
	}
	if len(req.Events) > 500 {
		writeError(w, http.StatusBadRequest, "batch too large")
		return
	}

	now := time.Now().UTC()
	for i := range req.Events {
		// user_id всегда из сессии, клиентскому полю не доверяем.
		req.Events[i].UserID = userID
		if req.Events[i].ID == "" {
			req.Events[i].ID = uuid.New().String()
		}
		if req.Events[i].CreatedAt.IsZero() {
			req.Events[i].CreatedAt = now
		}
	}

	if err := h.activityRepo.InsertBatch(r.Context(), req.Events); err != nil {
		logger.Errorf("activity batch user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": len(req.Events)})
}

// buildInsights выводит короткие подсказки из агрегатов.
func buildInsights(stats *model.DashboardStats, earnings []model.EarningsPoint) []model.Insight {
	insights := make([]model.Insight, 0, 3)
	if stats.CompletionRate >= 0.9 && stats.TasksCompleted >= 5 {
		insights = append(insights, model.Insight{
			Kind:    "completion",
			Message: "Высокий процент завершённых задач — это повышает позицию в выдаче",
		})
	}
	if stats.CreditsEarned > stats.CreditsSpent && stats.CreditsEarned > 0 {
		insights = append(insights, model.Insight{
			Kind:    "earnings",
			Message: fmt.Sprintf("За период заработано %d кредитов — больше, чем потрачено", stats.CreditsEarned),
		})
	}
	if len(earnings) >= 2 {
		last, prev := earnings[len(earnings)-1].Credits, earnings[len(earnings)-2].Credits
		if prev > 0 && last > prev {
			insights = append(insights, model.Insight{
				Kind:    "trend",
				Message: "Заработок растёт по сравнению с предыдущим днём",
			})
		}
	}
	return insights
}
