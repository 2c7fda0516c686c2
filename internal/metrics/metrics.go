// Package metrics exposes Prometheus collectors for the ingest service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
)

// Fetch results.
const (
	FetchResultOK        = "ok"
	FetchResultNotFound  = "not_found"
	FetchResultTransport = "transport"
)

// Backfill item results.
const (
	BackfillSucceeded = "succeeded"
	BackfillFailed    = "failed"
	BackfillSkipped   = "skipped"
)

var (
	ticksTotal                 *prometheus.CounterVec
	tickDurationSeconds        *prometheus.HistogramVec
	itemsCreatedTotal          prometheus.Counter
	appearancesRecordedTotal   prometheus.Counter
	backfillItemsTotal         *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ticksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trashtv_ticks_total",
				Help: "Total number of scheduler ticks, labeled by task and outcome.",
			},
			[]string{"task", "outcome"},
		)

		tickDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trashtv_tick_duration_seconds",
				Help:    "Histogram of scheduler tick durations, labeled by task.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"task"},
		)

		itemsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trashtv_items_created_total",
				Help: "Total number of items created by reconciliation.",
			},
		)

		appearancesRecordedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trashtv_appearances_recorded_total",
				Help: "Total number of appearances recorded by reconciliation.",
			},
		)

		backfillItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trashtv_backfill_items_total",
				Help: "Total number of backfill attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trashtv_fetch_total",
				Help: "Total number of outbound fetches, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick records one scheduler tick.
func ObserveTick(task, outcome string, duration time.Duration) {
	Init()
	ticksTotal.WithLabelValues(task, outcome).Inc()
	tickDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

// ObserveReconcile adds the counts of one reconciliation.
func ObserveReconcile(itemsCreated, appearancesRecorded int) {
	Init()
	if itemsCreated > 0 {
		itemsCreatedTotal.Add(float64(itemsCreated))
	}
	if appearancesRecorded > 0 {
		appearancesRecordedTotal.Add(float64(appearancesRecorded))
	}
}

// ObserveBackfillItem records the result of one backfill attempt.
func ObserveBackfillItem(result string) {
	Init()
	backfillItemsTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records one outbound fetch.
func ObserveFetch(kind, result string) {
	Init()
	fetchTotal.WithLabelValues(kind, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
