package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for nftmarket
type Metrics struct {
	// Marketplace
	BrowseTotal           *prometheus.CounterVec
	BrowseDurationSeconds prometheus.Histogram
	ListingsFetched       prometheus.Gauge
	ListingsActive        prometheus.Gauge
	DetailFailuresTotal   *prometheus.CounterVec

	// Mail
	MailSentTotal     prometheus.Counter
	MailFailedTotal   *prometheus.CounterVec
	MailDeferredTotal prometheus.Counter

	// Outbox
	OutboxSize     prometheus.Gauge
	OutboxDeferred prometheus.Gauge
	OutboxSending  prometheus.Gauge

	// Watcher
	WatcherCyclesTotal  *prometheus.CounterVec
	NewListingsTotal    prometheus.Counter
	NotificationsQueued prometheus.Counter

	// HTTP
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPErrorsTotal            *prometheus.CounterVec

	// System
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BrowseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_browse_total",
				Help: "Total number of marketplace loads by result",
			},
			[]string{"result"},
		),
		BrowseDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nftmarket_browse_duration_seconds",
				Help:    "Time to load listings and join details",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ListingsFetched: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_listings_fetched",
				Help: "Number of listing accounts returned by the last load",
			},
		),
		ListingsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_listings_active",
				Help: "Number of active listings in the last load",
			},
		),
		DetailFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_detail_failures_total",
				Help: "Total number of failed NFT detail lookups",
			},
			[]string{"stage"},
		),

		MailSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nftmarket_mail_sent_total",
				Help: "Total number of mailings accepted by the relay",
			},
		),
		MailFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_mail_failed_total",
				Help: "Total number of failed mail submissions",
			},
			[]string{"kind"},
		),
		MailDeferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nftmarket_mail_deferred_total",
				Help: "Total number of mailings deferred for retry",
			},
		),

		OutboxSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_outbox_size",
				Help: "Number of pending and deferred mailings",
			},
		),
		OutboxDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_outbox_deferred",
				Help: "Number of mailings awaiting retry",
			},
		),
		OutboxSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_outbox_sending",
				Help: "Number of mailings currently being sent",
			},
		),

		WatcherCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_watcher_cycles_total",
				Help: "Total number of watcher refresh cycles by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		NewListingsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nftmarket_new_listings_total",
				Help: "Total number of newly observed listings",
			},
		),
		NotificationsQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nftmarket_notifications_queued_total",
				Help: "Total number of notification mailings enqueued",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nftmarket_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_http_errors_total",
				Help: "Total number of HTTP error responses",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftmarket_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.BrowseTotal,
		m.BrowseDurationSeconds,
		m.ListingsFetched,
		m.ListingsActive,
		m.DetailFailuresTotal,
		m.MailSentTotal,
		m.MailFailedTotal,
		m.MailDeferredTotal,
		m.OutboxSize,
		m.OutboxDeferred,
		m.OutboxSending,
		m.WatcherCyclesTotal,
		m.NewListingsTotal,
		m.NotificationsQueued,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.HTTPErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveBrowse records one marketplace load.
func ObserveBrowse(d time.Duration, fetched, active int, err error) {
	m := Global()
	if m == nil {
		return
	}
	m.BrowseDurationSeconds.Observe(d.Seconds())
	if err != nil {
		m.BrowseTotal.WithLabelValues("error").Inc()
		return
	}
	m.BrowseTotal.WithLabelValues("ok").Inc()
	m.ListingsFetched.Set(float64(fetched))
	m.ListingsActive.Set(float64(active))
}

// IncDetailFailure increments the detail failure counter
func IncDetailFailure(stage string) {
	m := Global()
	if m != nil {
		m.DetailFailuresTotal.WithLabelValues(stage).Inc()
	}
}

// IncMailSent increments the sent mail counter
func IncMailSent() {
	m := Global()
	if m != nil {
		m.MailSentTotal.Inc()
	}
}

// IncMailFailed increments the failed mail counter
func IncMailFailed(kind string) {
	m := Global()
	if m != nil {
		m.MailFailedTotal.WithLabelValues(kind).Inc()
	}
}

// IncMailDeferred increments the deferred mail counter
func IncMailDeferred() {
	m := Global()
	if m != nil {
		m.MailDeferredTotal.Inc()
	}
}

// IncWatcherCycle increments the watcher cycle counter
func IncWatcherCycle(trigger, result string) {
	m := Global()
	if m != nil {
		m.WatcherCyclesTotal.WithLabelValues(trigger, result).Inc()
	}
}

// AddNewListings adds to the new listings counter
func AddNewListings(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.NewListingsTotal.Add(float64(n))
	}
}

// IncNotificationsQueued increments the queued notifications counter
func IncNotificationsQueued() {
	m := Global()
	if m != nil {
		m.NotificationsQueued.Inc()
	}
}
