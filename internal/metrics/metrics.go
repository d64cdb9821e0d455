// Package metrics defines the executor's Prometheus collectors. Everything
// hangs off an explicit registry built at process start and passed to the
// components that record; nothing registers at import time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every collector the executor records into.
type Metrics struct {
	Registry *prometheus.Registry

	RunsStarted     *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	PendingApprovals prometheus.Gauge

	Listings        *prometheus.CounterVec
	Removals        *prometheus.CounterVec
	Scans           *prometheus.CounterVec
	HumanQueue      prometheus.Gauge
	MatchConfidence *prometheus.HistogramVec
}

// New builds a registry with process/go collectors plus the executor set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_runs_started_total",
			Help: "Runs claimed and started, by plan.",
		}, []string{"plan_id"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_runs_finished_total",
			Help: "Runs reaching a terminal status, by plan and status.",
		}, []string{"plan_id", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erasure_task_duration_seconds",
			Help:    "Handler wall time per task type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task_type"}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erasure_approvals_pending",
			Help: "Approvals currently awaiting an operator decision.",
		}),
		Listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_listings_total",
			Help: "Broker listing status transitions recorded.",
		}, []string{"broker", "status"}),
		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_removals_total",
			Help: "Removal actions recorded, by broker and result.",
		}, []string{"broker", "result"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_scans_total",
			Help: "Scheduled scans dispatched, by broker and result.",
		}, []string{"broker", "result"}),
		HumanQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erasure_human_queue_pending",
			Help: "Human action queue items awaiting completion.",
		}),
		MatchConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erasure_match_confidence",
			Help:    "Identity match confidence distribution per broker.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"broker"}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsFinished, m.TaskDuration, m.PendingApprovals,
		m.Listings, m.Removals, m.Scans, m.HumanQueue, m.MatchConfidence,
	)
	return m
}
