package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "forecast_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingestion pipeline.
type Metrics struct {
	BatchesRun      *prometheus.CounterVec // labels: result={completed,empty,failed}
	HoursPlanned    prometheus.Counter
	TaskOutcomes    *prometheus.CounterVec // labels: result={stored,failed,skipped}
	StageFailures   *prometheus.CounterVec // labels: stage
	PipelineRunning prometheus.Gauge
	TasksInFlight   prometheus.Gauge

	BatchDuration     prometheus.Histogram
	OperationDuration *prometheus.HistogramVec // labels: operation

	// Collaborator metrics.
	IndexPublishFailures *prometheus.CounterVec // labels: collection
	NotificationFailures prometheus.Counter
	LatestStoredInstant  prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		BatchesRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Ingestion batches by result.",
		}, []string{"result"}),
		HoursPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_planned_total",
			Help:      "Forecast hours requested by the window planner.",
		}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Per-hour ingestion tasks by result.",
		}, []string{"result"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Task failures by the stage they failed in.",
		}, []string{"stage"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the scheduler is active, 0 when shut down.",
		}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Ingestion tasks currently running.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of a complete plan-fetch-convert-store batch.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of individual toolchain and store operations.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		IndexPublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_publish_failures_total",
			Help:      "Mosaic index notifications that failed, by collection.",
		}, []string{"collection"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Ingestion notifications that could not be published.",
		}),
		LatestStoredInstant: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_stored_instant_seconds",
			Help:      "Unix time of the newest forecast hour in the spatial store.",
		}),
	}

	prometheus.MustRegister(
		m.BatchesRun,
		m.HoursPlanned,
		m.TaskOutcomes,
		m.StageFailures,
		m.PipelineRunning,
		m.TasksInFlight,
		m.BatchDuration,
		m.OperationDuration,
		m.IndexPublishFailures,
		m.NotificationFailures,
		m.LatestStoredInstant,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		BatchesRun:           prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "batches_total"}, []string{"result"}),
		HoursPlanned:         prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hours_planned_total"}),
		TaskOutcomes:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_total"}, []string{"result"}),
		StageFailures:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stage_failures_total"}, []string{"stage"}),
		PipelineRunning:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_running"}),
		TasksInFlight:        prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tasks_in_flight"}),
		BatchDuration:        prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "batch_duration_seconds"}),
		OperationDuration:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "operation_duration_seconds"}, []string{"operation"}),
		IndexPublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "index_publish_failures_total"}, []string{"collection"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total"}),
		LatestStoredInstant:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "latest_stored_instant_seconds"}),
	}
}
