// Package metrics provides Prometheus metrics for the control plane.
// Exports HTTP, deployment pipeline, proxy, database, and billing metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the control plane.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Business Metrics
	ActiveUsersGauge      prometheus.Gauge
	ActiveDeploymentsGauge prometheus.Gauge
	TotalUsersGauge       prometheus.Gauge
	TotalDeploymentsGauge prometheus.Gauge

	// Deployment Pipeline Metrics
	DeploymentsTotal       *prometheus.CounterVec
	DeploymentBuildSeconds *prometheus.HistogramVec
	DeploymentsInFlight    prometheus.Gauge
	WebhookEventsTotal     *prometheus.CounterVec

	// Wildcard Proxy Metrics
	ProxyRequestsTotal  *prometheus.CounterVec
	ProxyUpstreamLatency *prometheus.HistogramVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBErrorsTotal       *prometheus.CounterVec

	// Routing Store Metrics
	RoutingOpsTotal *prometheus.CounterVec

	// Billing/Subscription Metrics
	SubscriptionsTotal *prometheus.GaugeVec
	RevenueTotal       *prometheus.CounterVec
	SignupsTotal       prometheus.Counter
	ChurnTotal         prometheus.Counter

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	m.ActiveUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "business",
			Name:      "active_users",
			Help:      "Number of users with a valid session in the last 24 hours",
		},
	)

	m.ActiveDeploymentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "business",
			Name:      "active_deployments",
			Help:      "Number of deployments currently in the active state",
		},
	)

	m.TotalUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "business",
			Name:      "total_users",
			Help:      "Total number of registered users",
		},
	)

	m.TotalDeploymentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "business",
			Name:      "total_deployments",
			Help:      "Total number of deployments across all states",
		},
	)

	m.DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "deployment",
			Name:      "total",
			Help:      "Total number of deployments by terminal status and framework",
		},
		[]string{"status", "framework"},
	)

	m.DeploymentBuildSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "deployment",
			Name:      "build_duration_seconds",
			Help:      "Time from deploy submission to active or failed, in seconds",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"framework", "outcome"},
	)

	m.DeploymentsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "deployment",
			Name:      "in_flight",
			Help:      "Number of deployments currently in a non-terminal state",
		},
	)

	m.WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of build executor webhook events by status kind",
		},
		[]string{"status"},
	)

	m.ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of wildcard proxy requests by outcome",
		},
		[]string{"outcome"},
	)

	m.ProxyUpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "proxy",
			Name:      "upstream_latency_seconds",
			Help:      "Latency of the proxied round trip to a deployment's origin",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	m.DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	m.RoutingOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "routing",
			Name:      "ops_total",
			Help:      "Total number of routing store operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	m.SubscriptionsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "billing",
			Name:      "subscriptions_total",
			Help:      "Total number of subscriptions by plan type",
		},
		[]string{"plan"},
	)

	m.RevenueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "billing",
			Name:      "revenue_dollars",
			Help:      "Total revenue in dollars by plan type",
		},
		[]string{"plan", "type"},
	)

	m.SignupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "billing",
			Name:      "signups_total",
			Help:      "Total number of new user signups",
		},
	)

	m.ChurnTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "billing",
			Name:      "churn_total",
			Help:      "Total number of subscription cancellations",
		},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordDeploymentOutcome records a deployment reaching a terminal state.
func (m *Metrics) RecordDeploymentOutcome(status, framework string, buildDuration time.Duration) {
	m.DeploymentsTotal.WithLabelValues(status, framework).Inc()
	outcome := "success"
	if status != "active" {
		outcome = "failure"
	}
	m.DeploymentBuildSeconds.WithLabelValues(framework, outcome).Observe(buildDuration.Seconds())
}

// RecordWebhookEvent records a build executor webhook delivery.
func (m *Metrics) RecordWebhookEvent(status string) {
	m.WebhookEventsTotal.WithLabelValues(status).Inc()
}

// RecordProxyRequest records a wildcard proxy request outcome and latency.
func (m *Metrics) RecordProxyRequest(outcome string, latency time.Duration) {
	m.ProxyRequestsTotal.WithLabelValues(outcome).Inc()
	m.ProxyUpstreamLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordRoutingOp records a routing store operation outcome.
func (m *Metrics) RecordRoutingOp(op, outcome string) {
	m.RoutingOpsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordDeploymentOutcome is the package-level convenience wrapper around
// the default collector, used by callers that don't hold a *Metrics.
func RecordDeploymentOutcome(status, framework string, buildDuration time.Duration) {
	Get().RecordDeploymentOutcome(status, framework, buildDuration)
}

// RecordWebhookEvent is the package-level convenience wrapper around the
// default collector.
func RecordWebhookEvent(status string) {
	Get().RecordWebhookEvent(status)
}

// RecordProxyRequest is the package-level convenience wrapper around the
// default collector.
func RecordProxyRequest(outcome string, latency time.Duration) {
	Get().RecordProxyRequest(outcome, latency)
}

// RecordRoutingOp is the package-level convenience wrapper around the
// default collector.
func RecordRoutingOp(op, outcome string) {
	Get().RecordRoutingOp(op, outcome)
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(operation, "query_error").Inc()
	}
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// UpdateActiveUsers updates the active users gauge
func (m *Metrics) UpdateActiveUsers(count int) {
	m.ActiveUsersGauge.Set(float64(count))
}

// UpdateActiveDeployments updates the active deployments gauge
func (m *Metrics) UpdateActiveDeployments(count int) {
	m.ActiveDeploymentsGauge.Set(float64(count))
}

// UpdateTotalUsers updates the total users gauge
func (m *Metrics) UpdateTotalUsers(count int) {
	m.TotalUsersGauge.Set(float64(count))
}

// UpdateTotalDeployments updates the total deployments gauge
func (m *Metrics) UpdateTotalDeployments(count int) {
	m.TotalDeploymentsGauge.Set(float64(count))
}

// UpdateSubscriptions updates subscription counts by plan
func (m *Metrics) UpdateSubscriptions(plan string, count int) {
	m.SubscriptionsTotal.WithLabelValues(plan).Set(float64(count))
}

// RecordSignup records a new user signup
func (m *Metrics) RecordSignup() {
	m.SignupsTotal.Inc()
}

// RecordChurn records a subscription cancellation
func (m *Metrics) RecordChurn() {
	m.ChurnTotal.Inc()
}

// RecordRevenue records revenue
func (m *Metrics) RecordRevenue(plan, revenueType string, amount float64) {
	m.RevenueTotal.WithLabelValues(plan, revenueType).Add(amount)
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
