package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the substrate emits.
//
// Tracked surfaces:
//   - Background-job lifecycle (throughput, duration, in-flight count)
//   - Semaphore admission (waiting per lane, wait latency, held permits)
//   - Interactive turns, scheduled-task runs and workflow fan-outs
//   - Memory store size and recall latency
//   - Failover classifications and stream delivery volume
type Metrics struct {
	// JobsTotal counts terminal background jobs.
	// Labels: status (succeeded|failed|canceled|timed_out)
	JobsTotal *prometheus.CounterVec

	// JobDuration measures wall-clock job runtime in seconds.
	// Labels: status
	JobDuration *prometheus.HistogramVec

	// JobsInFlight gauges currently leased jobs.
	JobsInFlight prometheus.Gauge

	// SemaphoreWaiting gauges queued acquires per lane.
	SemaphoreWaiting *prometheus.GaugeVec

	// SemaphoreHeld gauges permits currently held.
	SemaphoreHeld prometheus.Gauge

	// SemaphoreWaitDuration measures time from enqueue to dispatch.
	// Labels: lane
	SemaphoreWaitDuration *prometheus.HistogramVec

	// TurnsTotal counts interactive chat turns.
	// Labels: status (succeeded|failed)
	TurnsTotal *prometheus.CounterVec

	// TaskRunsTotal counts scheduled-task executions.
	// Labels: status (succeeded|failed)
	TaskRunsTotal *prometheus.CounterVec

	// WorkflowRunsTotal counts orchestration runs.
	// Labels: status
	WorkflowRunsTotal *prometheus.CounterVec

	// MemoryItems gauges rows currently in the memory store.
	MemoryItems prometheus.Gauge

	// MemoryRecallDuration measures hybrid recall latency in seconds.
	MemoryRecallDuration prometheus.Histogram

	// FailoverEventsTotal counts classified provider failures.
	// Labels: category
	FailoverEventsTotal *prometheus.CounterVec

	// StreamChunksTotal counts chunk files consumed.
	StreamChunksTotal prometheus.Counter

	// StreamDeliveries counts outbound stream operations.
	// Labels: kind (send|edit|spill)
	StreamDeliveries *prometheus.CounterVec

	// AuditDropped counts tool-audit entries dropped under backpressure.
	AuditDropped prometheus.Counter

	// MaintenanceSteps counts maintenance step outcomes.
	// Labels: step, status (ok|error)
	MaintenanceSteps *prometheus.CounterVec
}

// NewMetrics registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_jobs_total",
				Help: "Terminal background jobs by status",
			},
			[]string{"status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotclaw_job_duration_seconds",
				Help:    "Background job wall-clock runtime in seconds",
				Buckets: []float64{1, 5, 15, 60, 180, 600, 1800},
			},
			[]string{"status"},
		),

		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotclaw_jobs_in_flight",
				Help: "Background jobs currently holding a lease",
			},
		),

		SemaphoreWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dotclaw_semaphore_waiting",
				Help: "Acquires queued per lane",
			},
			[]string{"lane"},
		),

		SemaphoreHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotclaw_semaphore_held",
				Help: "Semaphore permits currently held",
			},
		),

		SemaphoreWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotclaw_semaphore_wait_seconds",
				Help:    "Time from enqueue to dispatch per lane",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"lane"},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_turns_total",
				Help: "Interactive chat turns by outcome",
			},
			[]string{"status"},
		),

		TaskRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_task_runs_total",
				Help: "Scheduled task executions by outcome",
			},
			[]string{"status"},
		),

		WorkflowRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_workflow_runs_total",
				Help: "Orchestration runs by outcome",
			},
			[]string{"status"},
		),

		MemoryItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotclaw_memory_items",
				Help: "Rows currently in the memory store",
			},
		),

		MemoryRecallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dotclaw_memory_recall_seconds",
				Help:    "Hybrid memory recall latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.02, 0.05, 0.1, 0.5, 1},
			},
		),

		FailoverEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_failover_events_total",
				Help: "Classified provider failures by category",
			},
			[]string{"category"},
		),

		StreamChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dotclaw_stream_chunks_total",
				Help: "Chunk files consumed from streaming directories",
			},
		),

		StreamDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_stream_deliveries_total",
				Help: "Outbound stream operations by kind",
			},
			[]string{"kind"},
		),

		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dotclaw_audit_dropped_total",
				Help: "Tool-audit entries dropped under backpressure",
			},
		),

		MaintenanceSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotclaw_maintenance_steps_total",
				Help: "Maintenance step outcomes",
			},
			[]string{"step", "status"},
		),
	}
}
