// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QuestTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_quest_transitions_total",
			Help: "Quest lifecycle transitions that committed, by action",
		},
		[]string{"action"},
	)
	QuestConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_quest_conflicts_total",
			Help: "Conditional quest updates that matched no row, by operation",
		},
		[]string{"operation"},
	)
	RatingsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questboard_ratings_submitted_total",
			Help: "Quest ratings created or replaced",
		},
	)
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_notifications_total",
			Help: "Notifications delivered, by channel (store, push, email)",
		},
		[]string{"channel"},
	)
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questboard_notifications_dropped_total",
			Help: "Events dropped because the dispatch queue was full or stopped",
		},
	)
	SideDeliveriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questboard_notify_side_dropped_total",
			Help: "Stored notifications whose push and email were skipped because the delivery queue was full",
		},
	)
	NotifyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "questboard_notify_queue_depth",
			Help: "Events waiting in the dispatch queue",
		},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
	Panics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_http_panics_total",
			Help: "Handler panics recovered, by route",
		},
		[]string{"route"},
	)
	LiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "questboard_live_streams",
			Help: "Open push connections, by transport (ws, sse)",
		},
		[]string{"transport"},
	)
	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_scheduler_runs_total",
			Help: "Scheduled task executions by task and outcome",
		},
		[]string{"task", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		QuestTransitions,
		QuestConflicts,
		RatingsSubmitted,
		NotificationsSent,
		NotificationsDropped,
		SideDeliveriesDropped,
		NotifyQueueDepth,
		HTTPRequests,
		HTTPDuration,
		RateLimited,
		Panics,
		LiveStreams,
		SchedulerRuns,
	)
}
