// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_admissions_total",
		Help: "Gatekeeper decisions by result (admitted, rejected, error).",
	}, []string{"result"})

	OrdersPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_placed_total",
		Help: "Orders accepted by intake.",
	})

	ConsumerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_reservation_events_total",
		Help: "Reservation events by outcome.",
	}, []string{"outcome"})

	SagaOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_saga_outcomes_total",
		Help: "Finished sagas by outcome.",
	}, []string{"outcome"})

	SagasRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_sagas_running",
		Help: "Sagas currently driven by this process.",
	})

	CompensationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_compensation_failures_total",
		Help: "Compensation steps left unresolved.",
	}, []string{"activity"})

	ActivityCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_activity_calls_total",
		Help: "Activity attempts by activity and result.",
	}, []string{"activity", "result"})

	OutboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outbox_published_total",
		Help: "Outbox relay publishes by topic and result.",
	}, []string{"topic", "result"})

	StockDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_stock_drift",
		Help: "Cache minus ledger quantity at the last reconciliation.",
	}, []string{"product_id"})

	HTTPRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_http_request_duration_seconds",
		Help:    "HTTP latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Admissions, OrdersPlaced, ConsumerEvents, SagaOutcomes, SagasRunning,
		CompensationFailures, ActivityCalls, OutboxPublished, StockDrift, HTTPRequests,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
