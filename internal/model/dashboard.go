package model

import "time"

type TimeRange string

const (
	RangeWeek    TimeRange = "week"
	RangeMonth   TimeRange = "month"
	RangeQuarter TimeRange = "quarter"
	RangeYear    TimeRange = "year"
)

// Days возвращает длину диапазона в днях (по умолчанию месяц).
func (r TimeRange) Days() int {
	switch r {
	case RangeWeek:
		return 7
	case RangeQuarter:
		return 90
	case RangeYear:
		return 365
	default:
		return 30
	}
}

type DashboardStats struct {
	TasksCompleted  int     `json:"tasks_completed"`
	TasksInProgress int     `json:"tasks_in_progress"`
	CreditsEarned   int64   `json:"credits_earned"`
	CreditsSpent    int64   `json:"credits_spent"`
	AverageRating   float64 `json:"average_rating"`
	ResponseRate    float64 `json:"response_rate"`
	CompletionRate  float64 `json:"completion_rate"`
}

type EarningsPoint struct {
	Date    time.Time `json:"date"`
	Credits int64     `json:"credits"`
}

type PerformancePoint struct {
	Date           time.Time `json:"date"`
	CompletedTasks int       `json:"completed_tasks"`
	Rating         float64   `json:"rating"`
}

type Insight struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DashboardSnapshot — неизменяемый срез производных метрик для одного
// диапазона. Заменяется целиком при каждом обновлении.
type DashboardSnapshot struct {
	Stats       DashboardStats     `json:"stats"`
	Earnings    []EarningsPoint    `json:"earnings"`
	Performance []PerformancePoint `json:"performance"`
	Activity    []ActivityEvent    `json:"activity"`
	Insights    []Insight          `json:"insights"`
	TimeRange   TimeRange          `json:"time_range"`
	FetchedAt   time.Time          `json:"fetched_at"`
}
