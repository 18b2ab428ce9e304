package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "harvester/pkg/logx"
)

// Prometheus implements Sink with client_golang collectors. Registration
// failures are logged and the collector keeps working unregistered.
type Prometheus struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	itemsTotal      *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec

	reconcilesTotal      *prometheus.CounterVec
	reconcileErrorsTotal prometheus.Counter

	groupsTotal    *prometheus.CounterVec
	groupFailed    prometheus.Counter
	groupDuration  *prometheus.HistogramVec
	tasksQueued    prometheus.Counter
	tasksDropped   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	notifyOutcomes *prometheus.CounterVec

	log logx.Logger
}

var durationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

func NewPrometheus(reg prometheus.Registerer, namespace string, log logx.Logger) *Prometheus {
	if namespace == "" {
		namespace = "harvester"
	}
	p := &Prometheus{log: log.Named("metrics")}

	p.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "runs", Name: "total",
		Help: "Finished runs by terminal status and error kind.",
	}, []string{"status", "kind"})
	p.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "runs", Name: "duration_seconds",
		Help: "Wall time of finished runs.", Buckets: durationBuckets,
	}, []string{"status"})
	p.itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "runs", Name: "items_total",
		Help: "Items extracted by successful runs.",
	}, []string{"novelty"})
	p.sandboxDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sandbox", Name: "duration_seconds",
		Help: "Sandbox executions by backend and outcome.", Buckets: durationBuckets,
	}, []string{"backend", "status"})

	p.reconcilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dedup", Name: "reconciles_total",
		Help: "Reconciled records split by whether they were new.",
	}, []string{"new"})
	p.reconcileErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dedup", Name: "errors_total",
		Help: "Reconcile calls that failed.",
	})

	p.groupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "groups", Name: "total",
		Help: "Completed group runs by mode.",
	}, []string{"mode"})
	p.groupFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "groups", Name: "failed_tasks_total",
		Help: "Jobs that did not succeed inside group runs.",
	})
	p.groupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "groups", Name: "duration_seconds",
		Help: "Wall time of group runs.", Buckets: durationBuckets,
	}, []string{"mode"})

	p.tasksQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "tasks_queued_total",
		Help: "Commands accepted by the task engine.",
	})
	p.tasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "tasks_dropped_total",
		Help: "Commands the engine dropped, by reason.",
	}, []string{"reason"})
	p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "engine", Name: "queue_depth",
		Help: "Commands waiting for a worker.",
	})

	p.notifyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "notifier", Name: "deliveries_total",
		Help: "Notification delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	for _, c := range []prometheus.Collector{
		p.runsTotal, p.runDuration, p.itemsTotal, p.sandboxDuration,
		p.reconcilesTotal, p.reconcileErrorsTotal,
		p.groupsTotal, p.groupFailed, p.groupDuration,
		p.tasksQueued, p.tasksDropped, p.queueDepth,
		p.notifyOutcomes,
	} {
		if err := reg.Register(c); err != nil {
			p.log.Warn("metric registration failed", logx.Err(err))
		}
	}
	return p
}

func (p *Prometheus) RunFinished(status, kind string, d time.Duration, items, newItems int) {
	p.runsTotal.WithLabelValues(status, kind).Inc()
	p.runDuration.WithLabelValues(status).Observe(d.Seconds())
	if items > 0 {
		p.itemsTotal.WithLabelValues("new").Add(float64(newItems))
		p.itemsTotal.WithLabelValues("seen").Add(float64(items - newItems))
	}
}

func (p *Prometheus) SandboxFinished(backend, status string, d time.Duration) {
	p.sandboxDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

func (p *Prometheus) RecordReconciled(isNew bool) {
	p.reconcilesTotal.WithLabelValues(strconv.FormatBool(isNew)).Inc()
}

func (p *Prometheus) ReconcileFailed() { p.reconcileErrorsTotal.Inc() }

func (p *Prometheus) GroupFinished(mode string, succeeded, failed int, d time.Duration) {
	p.groupsTotal.WithLabelValues(mode).Inc()
	p.groupFailed.Add(float64(failed))
	p.groupDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *Prometheus) TaskQueued()               { p.tasksQueued.Inc() }
func (p *Prometheus) TaskDropped(reason string) { p.tasksDropped.WithLabelValues(reason).Inc() }
func (p *Prometheus) QueueDepth(n int)          { p.queueDepth.Set(float64(n)) }

func (p *Prometheus) NotificationOutcome(channel, outcome string) {
	p.notifyOutcomes.WithLabelValues(channel, outcome).Inc()
}
