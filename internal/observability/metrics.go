package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	reconcileCounter      *prometheus.CounterVec
	clampShortfallCounter prometheus.Counter
	spendCounter          *prometheus.CounterVec
	webhookCounter        *prometheus.CounterVec
	webhookQueueGauge     prometheus.Gauge
	idempotencyCounter    *prometheus.CounterVec
	crmRequestHistogram   *prometheus.HistogramVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		reconcileCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_reconcile_total",
			Help: "Reconciliation outcomes by trigger",
		}, []string{"trigger", "outcome"})

		clampShortfallCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_clamp_shortfall_points_total",
			Help: "Points of negative drift that could not be covered by spendable lots",
		})

		spendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_spend_total",
			Help: "Spend authorization outcomes",
		}, []string{"outcome"})

		webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound CRM webhook outcomes",
		}, []string{"outcome"})

		webhookQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Webhook jobs waiting for a worker",
		})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		crmRequestHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_request_duration_seconds",
			Help:    "Latency of calls to the salon CRM",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			reconcileCounter,
			clampShortfallCounter,
			spendCounter,
			webhookCounter,
			webhookQueueGauge,
			idempotencyCounter,
			crmRequestHistogram,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementReconcile(trigger, outcome string) {
	if reconcileCounter == nil {
		return
	}
	reconcileCounter.WithLabelValues(trigger, outcome).Inc()
}

func AddClampShortfall(points int64) {
	if clampShortfallCounter == nil || points <= 0 {
		return
	}
	clampShortfallCounter.Add(float64(points))
}

func IncrementSpend(outcome string) {
	if spendCounter == nil {
		return
	}
	spendCounter.WithLabelValues(outcome).Inc()
}

func IncrementWebhookEvent(outcome string) {
	if webhookCounter == nil {
		return
	}
	webhookCounter.WithLabelValues(outcome).Inc()
}

func SetWebhookQueueDepth(depth int) {
	if webhookQueueGauge == nil {
		return
	}
	webhookQueueGauge.Set(float64(depth))
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func ObserveCRMRequest(operation, result string, duration time.Duration) {
	if crmRequestHistogram == nil {
		return
	}
	crmRequestHistogram.WithLabelValues(operation, result).Observe(duration.Seconds())
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
