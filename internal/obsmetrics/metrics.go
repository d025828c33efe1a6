// Package obsmetrics holds rssbot's Prometheus instrumentation, following
// the metric-group layout of the teacher's metrics.go but scoped to the
// fetch/post scheduler's concerns instead of summarization/Discord.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used across the scheduler.
type Metrics struct {
	feedFetchTotal    *prometheus.CounterVec
	feedFetchDuration *prometheus.HistogramVec
	articlesStaged    *prometheus.CounterVec
	articlesPosted    *prometheus.CounterVec
	postFailures      *prometheus.CounterVec
	circuitBreakers   *prometheus.GaugeVec
	commandsProcessed *prometheus.CounterVec
	dbConnections     *prometheus.GaugeVec
}

// New creates all collectors; Register adds them to the default registry.
func New() *Metrics {
	return &Metrics{
		feedFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rssbot_feed_fetch_total",
				Help: "Total number of feed fetch attempts by outcome.",
			},
			[]string{"outcome"}, // ok, not_modified, failure
		),
		feedFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rssbot_feed_fetch_duration_seconds",
				Help:    "Time spent fetching and parsing a feed.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		articlesStaged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rssbot_articles_staged_total",
				Help: "Articles inserted into the unposted backlog.",
			},
			[]string{"feed_id"},
		),
		articlesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rssbot_articles_posted_total",
				Help: "Articles successfully published to the remote server.",
			},
			[]string{"feed_id"},
		),
		postFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rssbot_post_failures_total",
				Help: "Publish attempts that raised an error.",
			},
			[]string{"feed_id"},
		),
		circuitBreakers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rssbot_circuit_breaker_state",
				Help: "0=closed 1=half-open 2=open, per feed origin.",
			},
			[]string{"origin"},
		),
		commandsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rssbot_commands_processed_total",
				Help: "Direct-message commands processed by outcome.",
			},
			[]string{"command", "outcome"},
		),
		dbConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rssbot_db_connections",
				Help: "Database connection pool state.",
			},
			[]string{"state"}, // open, in_use, idle
		),
	}
}

// Register adds every collector to the default Prometheus registry. Call
// once at startup.
func (m *Metrics) Register() {
	prometheus.MustRegister(
		m.feedFetchTotal,
		m.feedFetchDuration,
		m.articlesStaged,
		m.articlesPosted,
		m.postFailures,
		m.circuitBreakers,
		m.commandsProcessed,
		m.dbConnections,
	)
}

func (m *Metrics) RecordFeedFetch(outcome string, seconds float64) {
	m.feedFetchTotal.WithLabelValues(outcome).Inc()
	m.feedFetchDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) RecordArticleStaged(feedID string) {
	m.articlesStaged.WithLabelValues(feedID).Inc()
}

func (m *Metrics) RecordArticlePosted(feedID string) {
	m.articlesPosted.WithLabelValues(feedID).Inc()
}

func (m *Metrics) RecordPostFailure(feedID string) {
	m.postFailures.WithLabelValues(feedID).Inc()
}

func (m *Metrics) SetCircuitBreakerState(origin string, state float64) {
	m.circuitBreakers.WithLabelValues(origin).Set(state)
}

// CircuitBreakerGauge exposes the per-origin gauge itself, for tests
// asserting that a breaker's state change actually reached the
// collector (testutil.ToFloat64) rather than just that the setter was
// callable.
func (m *Metrics) CircuitBreakerGauge(origin string) prometheus.Gauge {
	return m.circuitBreakers.WithLabelValues(origin)
}

func (m *Metrics) RecordCommand(command, outcome string) {
	m.commandsProcessed.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) UpdateDBConnections(open, inUse, idle int) {
	m.dbConnections.WithLabelValues("open").Set(float64(open))
	m.dbConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(idle))
}

// Handler returns the promhttp handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
