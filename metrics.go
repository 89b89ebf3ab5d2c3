package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of a client and its services.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// attempts tracks transport attempts by method and outcome kind
	attempts *prometheus.CounterVec

	// refreshes tracks physical credential refresh calls by result
	refreshes *prometheus.CounterVec

	// cacheLookups tracks response cache lookups by cache name and result
	cacheLookups *prometheus.CounterVec

	// cacheInvalidations tracks invalidation calls by cache name
	cacheInvalidations *prometheus.CounterVec

	// sinkDropped tracks attempt records dropped because the log buffer was full
	sinkDropped prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. A nil reg creates
// unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_attempts_total",
				Help: "Total transport attempts by HTTP method and outcome",
			},
			[]string{"method", "outcome"},
		),
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_credential_refreshes_total",
				Help: "Total credential refresh calls by result",
			},
			[]string{"result"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_cache_lookups_total",
				Help: "Total response cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),
		cacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_cache_invalidations_total",
				Help: "Total response cache invalidations by cache name",
			},
			[]string{"cache"},
		),
		sinkDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apiclient_attempt_records_dropped_total",
				Help: "Attempt log records dropped because the buffer was full",
			},
		),
	}
}

func (m *Metrics) recordAttempt(method string, err *Error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(err.Kind)
	}
	m.attempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) recordRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) recordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) recordInvalidation(cache string) {
	if m == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(cache).Inc()
}

func (m *Metrics) recordSinkDrop() {
	if m == nil {
		return
	}
	m.sinkDropped.Inc()
}

// AttemptCount returns the attempts counter for a method and outcome.
func (m *Metrics) AttemptCount(method, outcome string) prometheus.Counter {
	return m.attempts.WithLabelValues(method, outcome)
}

// RefreshCount returns the refresh counter for "success" or "failure".
func (m *Metrics) RefreshCount(result string) prometheus.Counter {
	return m.refreshes.WithLabelValues(result)
}

// CacheLookupCount returns the lookup counter for a cache and "hit" or "miss".
func (m *Metrics) CacheLookupCount(cache, result string) prometheus.Counter {
	return m.cacheLookups.WithLabelValues(cache, result)
}

// DroppedRecordCount returns the counter of attempt records dropped by the async sink.
func (m *Metrics) DroppedRecordCount() prometheus.Counter {
	return m.sinkDropped
}
