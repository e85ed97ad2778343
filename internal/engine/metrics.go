package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_cycles_total",
		Help: "The total number of sync cycles run",
	}, []string{"team", "table", "status"})

	CyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_cycles_skipped_total",
		Help: "The total number of cycles skipped because the previous one was still running",
	}, []string{"team", "table"})

	IssuesScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_issues_scanned_total",
		Help: "The total number of issues returned by source queries",
	}, []string{"team", "table"})

	IssuesStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_issues_stale_total",
		Help: "The total number of issues that passed the staleness filter",
	}, []string{"team", "table"})

	RowsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_rows_created_total",
		Help: "The total number of sink rows created",
	}, []string{"team", "table"})

	RowsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_rows_updated_total",
		Help: "The total number of sink rows updated",
	}, []string{"team", "table"})

	RowErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_row_errors_total",
		Help: "The total number of per-row sync failures",
	}, []string{"team", "table", "stage"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "larksync_cycle_duration_seconds",
		Help:    "Time taken for one sync cycle over a table",
		Buckets: prometheus.DefBuckets,
	}, []string{"team", "table"})

	ActiveCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "larksync_active_cycles",
		Help: "The number of sync cycles currently running",
	})

	UsersPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "larksync_users_pending",
		Help: "The number of usernames awaiting offline resolution",
	})

	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_maintenance_runs_total",
		Help: "The total number of maintenance window runs",
	}, []string{"status"})
)
