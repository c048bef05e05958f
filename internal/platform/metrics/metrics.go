// Package metrics exposes Prometheus collectors for every stage of the
// netting and settlement pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the engine.
type Metrics struct {
	Registry *prometheus.Registry

	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestInFlight    *prometheus.GaugeVec
	ErrorCount         *prometheus.CounterVec
	ServiceUptime      prometheus.Gauge
	ServiceLastStarted prometheus.Gauge
	DependencyUp       *prometheus.GaugeVec

	IntentsSubmitted  *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec
	SessionVolumeUsed *prometheus.GaugeVec

	BatchesFormed     prometheus.Counter
	BatchIntents      prometheus.Histogram
	BatchItemsSettled prometheus.Histogram
	BatchWallets      prometheus.Histogram
	CompressionRatio  prometheus.Histogram
	NettingDuration   prometheus.Histogram

	SettlementAttempts *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	BatchesSettled     prometheus.Counter
	BatchesQuarantined prometheus.Counter
}

// Config configures the metrics namespace.
type Config struct {
	Namespace   string
	ServiceName string
}

func DefaultConfig() Config {
	return Config{Namespace: "netsettle", ServiceName: "netsettled"}
}

// New builds and registers every collector against a fresh registry.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "request_total", Help: "Total HTTP requests received",
		}, []string{"service", "method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Name: "request_duration_seconds", Help: "HTTP request duration", Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),

		RequestInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "requests_in_flight", Help: "Requests currently being processed",
		}, []string{"service"}),

		ErrorCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "errors_total", Help: "Total errors observed",
		}, []string{"service", "type", "code"}),

		ServiceUptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "service_uptime_seconds", Help: "Service uptime in seconds",
			ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
		}),

		ServiceLastStarted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "service_last_started_timestamp", Help: "Unix timestamp of last start",
			ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
		}),

		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "dependency_up", Help: "Whether a dependency is reachable",
		}, []string{"service", "dependency"}),

		IntentsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "admission", Name: "intents_total", Help: "Total intents submitted, by outcome",
		}, []string{"outcome"}),

		AdmissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "admission", Name: "rejections_total", Help: "Admission rejections by reason code",
		}, []string{"code"}),

		SessionVolumeUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "admission", Name: "session_volume_used_lamports", Help: "Cumulative accepted volume per session",
		}, []string{"session_pubkey"}),

		BatchesFormed: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "batches_formed_total", Help: "Total batches formed",
		}),

		BatchIntents: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "batch_intents", Help: "Intents per formed batch",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),

		BatchItemsSettled: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "batch_items_settled", Help: "Distinct items settled per batch",
			Buckets: []float64{1, 10, 50, 100, 500, 1000},
		}),

		BatchWallets: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "batch_wallets", Help: "Distinct wallets with a non-zero delta per batch",
			Buckets: []float64{1, 10, 50, 100, 500, 1000},
		}),

		CompressionRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "compression_ratio", Help: "num_intents / num_items_settled per batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		NettingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "netting", Name: "duration_seconds", Help: "Time spent running the linear netting pass",
			Buckets: prometheus.DefBuckets,
		}),

		SettlementAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "settlement", Name: "attempts_total", Help: "Settlement attempts by outcome",
		}, []string{"outcome"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "settlement", Name: "duration_seconds", Help: "Time spent submitting a batch on-chain",
			Buckets: prometheus.DefBuckets,
		}),

		BatchesSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "settlement", Name: "batches_settled_total", Help: "Total batches successfully settled",
		}),

		BatchesQuarantined: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "settlement", Name: "batches_quarantined_total", Help: "Total batches whose submission the chain rejected permanently; batches that exhaust transient retries are not counted",
		}),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine updating the uptime gauge until done fires.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(start).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

func (m *Metrics) RecordRequest(service, method, path string, status int, d time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(d.Seconds())
}

func (m *Metrics) RecordError(service, errType, code string) {
	m.ErrorCount.WithLabelValues(service, errType, code).Inc()
}

func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(v)
}

func (m *Metrics) RecordIntentOutcome(outcome string) {
	m.IntentsSubmitted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAdmissionRejection(code string) {
	m.AdmissionRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordSessionVolume(sessionPubkey string, used uint64) {
	m.SessionVolumeUsed.WithLabelValues(sessionPubkey).Set(float64(used))
}

func (m *Metrics) RecordBatchFormed(numIntents, numItems, numWallets int, d time.Duration) {
	m.BatchesFormed.Inc()
	m.BatchIntents.Observe(float64(numIntents))
	m.BatchItemsSettled.Observe(float64(numItems))
	m.BatchWallets.Observe(float64(numWallets))
	m.NettingDuration.Observe(d.Seconds())
	if numItems > 0 {
		m.CompressionRatio.Observe(float64(numIntents) / float64(numItems))
	}
}

func (m *Metrics) RecordSettlementAttempt(outcome string, d time.Duration) {
	m.SettlementAttempts.WithLabelValues(outcome).Inc()
	m.SettlementDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordBatchSettled()     { m.BatchesSettled.Inc() }
func (m *Metrics) RecordBatchQuarantined() { m.BatchesQuarantined.Inc() }
