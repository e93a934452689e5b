// Package metrics declares the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts ingest outcomes: created, dedup, rejected, error.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinykpi_events_ingested_total",
		Help: "Events submitted for ingestion, by outcome.",
	}, []string{"result"})

	RollupRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinykpi_rollup_recompute_total",
		Help: "Rollup and retention recomputations, by granularity and result.",
	}, []string{"granularity", "result"})

	RollupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tinykpi_rollup_recompute_duration_seconds",
		Help:    "Time spent recomputing one period.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"granularity"})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinykpi_scheduled_runs_total",
		Help: "Scheduled aggregation runs, by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinykpi_http_requests_total",
		Help: "HTTP requests, by route template, method and status code.",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tinykpi_http_request_duration_seconds",
		Help:    "HTTP request latency by route template.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tinykpi_stream_clients",
		Help: "Connected live-stream websocket clients.",
	})
)
