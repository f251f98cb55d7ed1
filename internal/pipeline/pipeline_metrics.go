package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow engine.
type Metrics struct {
	StageAttempts       *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StageOutcomes       *prometheus.CounterVec
	WorkflowsTotal      *prometheus.CounterVec
	WorkflowDuration    *prometheus.HistogramVec
	EscalationsTotal    *prometheus.CounterVec
	StuckTotal          *prometheus.CounterVec
	AdjustmentsTotal    *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	IngestInFlight      prometheus.Gauge
	NotificationsFailed prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_stage_attempts_total",
			Help: "Stage handler attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_stage_duration_seconds",
			Help:    "Duration of individual stage attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}, []string{"stage"}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_stage_traversals_total",
			Help: "Finished stage traversals by stage and result.",
		}, []string{"stage", "result"}),
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflows_total",
			Help: "Workflows reaching a terminal status.",
		}, []string{"status"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}, []string{"status"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Stage failure escalations.",
		}, []string{"stage"}),
		StuckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_stuck_workflows_total",
			Help: "Workflows evicted by the stale-stage reaper.",
		}, []string{"stage"}),
		AdjustmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_optimizer_adjustments_total",
			Help: "Stage configuration changes made by the optimizer.",
		}, []string{"stage", "kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_queue_depth",
			Help: "Workflows waiting for a worker.",
		}),
		IngestInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_ingest_inflight",
			Help: "Case item writes currently holding an ingest slot.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_notifications_failed_total",
			Help: "Notifications the sink failed to deliver.",
		}),
	}

	reg.MustRegister(
		m.StageAttempts,
		m.StageDuration,
		m.StageOutcomes,
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.EscalationsTotal,
		m.StuckTotal,
		m.AdjustmentsTotal,
		m.QueueDepth,
		m.IngestInFlight,
		m.NotificationsFailed,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAttempt: func(stage Stage, outcome string, seconds float64) {
			m.StageAttempts.WithLabelValues(string(stage), outcome).Inc()
			m.StageDuration.WithLabelValues(string(stage)).Observe(seconds)
		},
		OnStageDone: func(stage Stage, success bool) {
			result := "success"
			if !success {
				result = "failure"
			}
			m.StageOutcomes.WithLabelValues(string(stage), result).Inc()
		},
		OnWorkflowDone: func(status Status, seconds float64) {
			m.WorkflowsTotal.WithLabelValues(string(status)).Inc()
			m.WorkflowDuration.WithLabelValues(string(status)).Observe(seconds)
		},
		OnEscalation: func(stage Stage) {
			m.EscalationsTotal.WithLabelValues(string(stage)).Inc()
		},
		OnStuck: func(stage Stage) {
			m.StuckTotal.WithLabelValues(string(stage)).Inc()
		},
		OnAdjustment: func(stage Stage, kind string) {
			m.AdjustmentsTotal.WithLabelValues(string(stage), kind).Inc()
		},
		OnQueueDepth: func(depth int) {
			m.QueueDepth.Set(float64(depth))
		},
	}
}
