// Package metrics регистрирует счётчики Prometheus для api-сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSConnections — текущее число открытых WebSocket-соединений.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "timeslice",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Current number of open websocket connections.",
	})

	// WSEventsDispatched — отправленные клиентам события по типам.
	WSEventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "ws",
		Name:      "events_dispatched_total",
		Help:      "Events pushed to websocket clients, by event type.",
	}, []string{"event"})

	// WSEventsDropped — события, потерянные из-за переполнения буфера клиента.
	WSEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "ws",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a client send buffer was full.",
	})

	// HTTPRequests — HTTP-запросы по методу и статусу.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests, by method and status class.",
	}, []string{"method", "status"})

	// NotificationsCreated — созданные уведомления по типам.
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "notifications",
		Name:      "created_total",
		Help:      "Notifications created, by type.",
	}, []string{"type"})
)
