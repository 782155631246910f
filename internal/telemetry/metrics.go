package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_jobs_enqueued_total", Help: "Jobs registered with the admission controller"}, []string{"type"})
	JobsFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_jobs_finished_total", Help: "Jobs reaching a terminal state"}, []string{"type", "status"})
	JobWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "curator_job_wait_seconds", Help: "Time from enqueue to admission", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)}, []string{"scope"})
	RunningGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "curator_channel_running", Help: "Jobs currently holding a channel slot"}, []string{"scope"})
	CapacityGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "curator_channel_capacity", Help: "Configured channel capacity"}, []string{"scope"})
	ZombiesReaped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_jobs_reaped_total", Help: "Running jobs failed by the zombie reaper"})

	WindowFetches    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_list_window_fetches_total", Help: "Catalog window fetch attempts"}, []string{"result"})
	ListEarlyStops   = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_list_early_stops_total", Help: "Catalog walks ended by the head snapshot match"})
	ListEntries      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "curator_list_entries", Help: "Entries returned per catalog walk", Buckets: prometheus.ExponentialBuckets(10, 2, 10)})
	PacerRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_pacer_waits_total", Help: "Outbound requests delayed by the pacer"})
	CredentialEvents = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_credential_events_total", Help: "Credential usage, failures and deactivations"}, []string{"event"})

	ReconcileRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_reconcile_runs_total", Help: "Consistency passes by result"}, []string{"result"})
	ReconcileChanges = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_reconcile_changes_total", Help: "Inventory rows changed by reconciliation"}, []string{"kind"})
	OrphanFiles      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "curator_orphan_files", Help: "Media files without an inventory row at last pass"})

	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_sessions_started_total", Help: "Download sessions started"})
	SessionsEnded   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_sessions_finished_total", Help: "Download sessions by terminal state"}, []string{"state"})
	ItemDownloads   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "curator_item_downloads_total", Help: "Per-item downloads by result"}, []string{"result"})
	StartRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_session_start_rejects_total", Help: "Session starts rejected by the API rate limit"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsFinished,
			JobWaitSeconds,
			RunningGauge,
			CapacityGauge,
			ZombiesReaped,
			WindowFetches,
			ListEarlyStops,
			ListEntries,
			PacerRejects,
			CredentialEvents,
			ReconcileRuns,
			ReconcileChanges,
			OrphanFiles,
			SessionsStarted,
			SessionsEnded,
			ItemDownloads,
			StartRejects,
		)
	})
	return promhttp.Handler()
}
