package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "safeherhub"

// Metrics 指标管理器，每个实例持有独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 缓存指标
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	// 限流指标
	rateLimitAllowed *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec

	// 数据库指标
	dbQueryDuration *prometheus.HistogramVec
	dbQueriesTotal  *prometheus.CounterVec

	// 业务指标
	alertsCreated        *prometheus.CounterVec
	alertsAcknowledged   *prometheus.CounterVec
	alertsEscalated      *prometheus.CounterVec
	alertsExpired        prometheus.Counter
	alertResponseMinutes prometheus.Histogram
	escalationPending    prometheus.Gauge
	casConflicts         *prometheus.CounterVec
}

// NewMetrics 创建指标管理器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := factory{reg}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: f.counterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, "method", "path", "status"),

		httpRequestDuration: f.histogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, "method", "path"),

		httpResponseSize: f.histogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, "method", "path"),

		cacheHitsTotal: f.counterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		}, "cache"),

		cacheMissesTotal: f.counterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		}, "cache"),

		rateLimitAllowed: f.counterVec(prometheus.CounterOpts{
			Name: "rate_limit_allow_total",
			Help: "Allowed requests by rate limiter",
		}, "route"),

		rateLimitDenied: f.counterVec(prometheus.CounterOpts{
			Name: "rate_limit_deny_total",
			Help: "Denied requests by rate limiter",
		}, "route"),

		dbQueryDuration: f.histogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database statement duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, "table", "operation"),

		dbQueriesTotal: f.counterVec(prometheus.CounterOpts{
			Name: "db_queries_total",
			Help: "Database statements by table, operation and status",
		}, "table", "operation", "status"),

		alertsCreated: f.counterVec(prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Alerts created by type",
		}, "type"),

		alertsAcknowledged: f.counterVec(prometheus.CounterOpts{
			Name: "alert_acknowledgments_total",
			Help: "Recipient acknowledgments, split by whether the alert left active",
		}, "transition"),

		alertsEscalated: f.counterVec(prometheus.CounterOpts{
			Name: "alert_escalations_total",
			Help: "Escalation attempts by trigger and outcome",
		}, "trigger", "outcome"),

		alertsExpired: f.counter(prometheus.CounterOpts{
			Name: "alerts_expired_total",
			Help: "Alerts deleted by the expiry sweep",
		}),

		alertResponseMinutes: f.histogram(prometheus.HistogramOpts{
			Name:    "alert_response_time_minutes",
			Help:    "Minutes between alert creation and a recipient acknowledgment",
			Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 240},
		}),

		escalationPending: f.gauge(prometheus.GaugeOpts{
			Name: "escalation_deadlines_pending",
			Help: "Auto-escalation deadlines waiting in the scheduler",
		}),

		casConflicts: f.counterVec(prometheus.CounterOpts{
			Name: "write_conflicts_total",
			Help: "Optimistic concurrency conflicts by entity",
		}, "entity"),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

type factory struct{ reg prometheus.Registerer }

func (f factory) counterVec(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	opts.Namespace = namespace
	v := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = namespace
	v := prometheus.NewCounter(opts)
	f.reg.MustRegister(v)
	return v
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	opts.Namespace = namespace
	v := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

func (f factory) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = namespace
	v := prometheus.NewHistogram(opts)
	f.reg.MustRegister(v)
	return v
}

func (f factory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = namespace
	v := prometheus.NewGauge(opts)
	f.reg.MustRegister(v)
	return v
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, responseSize int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordCacheHit 记录缓存命中
func (m *Metrics) RecordCacheHit(name string) {
	if m != nil {
		m.cacheHitsTotal.WithLabelValues(name).Inc()
	}
}

// RecordCacheMiss 记录缓存未命中
func (m *Metrics) RecordCacheMiss(name string) {
	if m != nil {
		m.cacheMissesTotal.WithLabelValues(name).Inc()
	}
}

// OnAllow / OnDeny satisfy the rate limiter's observer contract.
func (m *Metrics) OnAllow(route, key string) { m.rateLimitAllowed.WithLabelValues(route).Inc() }
func (m *Metrics) OnDeny(route, key string)  { m.rateLimitDenied.WithLabelValues(route).Inc() }

// The business recorders below are no-ops on a nil *Metrics.

func (m *Metrics) AlertCreated(alertType string) {
	if m != nil {
		m.alertsCreated.WithLabelValues(alertType).Inc()
	}
}

// AlertAcknowledged records one acknowledgment. firstAck is true when it
// moved the alert out of active.
func (m *Metrics) AlertAcknowledged(firstAck bool, responseMinutes float64) {
	if m == nil {
		return
	}
	transition := "none"
	if firstAck {
		transition = "active_to_acknowledged"
	}
	m.alertsAcknowledged.WithLabelValues(transition).Inc()
	m.alertResponseMinutes.Observe(responseMinutes)
}

// AlertEscalated records an escalation attempt; outcome is "escalated" or
// "exhausted".
func (m *Metrics) AlertEscalated(trigger, outcome string) {
	if m == nil {
		return
	}
	m.alertsEscalated.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) AlertsExpired(n int) {
	if m != nil {
		m.alertsExpired.Add(float64(n))
	}
}

func (m *Metrics) SetEscalationPending(n int) {
	if m != nil {
		m.escalationPending.Set(float64(n))
	}
}

func (m *Metrics) WriteConflict(entity string) {
	if m != nil {
		m.casConflicts.WithLabelValues(entity).Inc()
	}
}
