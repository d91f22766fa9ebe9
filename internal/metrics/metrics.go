// Package metrics exposes Prometheus counters for CRUD operations and
// resource cache activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarcoPoloResearchLab/tidepool/internal/cache"
)

// Metrics owns its own registry so tests can run side by side without
// colliding on the default global one.
type Metrics struct {
	registry      *prometheus.Registry
	cacheEvents   *prometheus.CounterVec
	operations    *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

// New constructs the metrics set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidepool",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Resource cache lifecycle events by kind.",
	}, []string{"kind"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidepool",
		Subsystem: "crud",
		Name:      "operations_total",
		Help:      "CRUD operations by action and outcome.",
	}, []string{"action", "outcome"})
	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tidepool",
		Subsystem: "crud",
		Name:      "resource_subscriptions",
		Help:      "Live server-side resource channel subscriptions.",
	})
	registry.MustRegister(cacheEvents, operations, subscriptions)
	return &Metrics{
		registry:      registry,
		cacheEvents:   cacheEvents,
		operations:    operations,
		subscriptions: subscriptions,
	}
}

// Handler serves the scrape endpoint.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// ObserveOperation counts one CRUD operation outcome.
func (metrics *Metrics) ObserveOperation(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.operations.WithLabelValues(action, outcome).Inc()
}

// SubscriptionOpened counts a resource channel subscription coming live.
func (metrics *Metrics) SubscriptionOpened() {
	metrics.subscriptions.Inc()
}

// SubscriptionClosed counts a resource channel subscription being torn down.
func (metrics *Metrics) SubscriptionClosed() {
	metrics.subscriptions.Dec()
}

// BindCache subscribes the counters to every cache event kind.
func (metrics *Metrics) BindCache(resourceCache *cache.ResourceCache) {
	kinds := []cache.EventKind{
		cache.EventHit,
		cache.EventMiss,
		cache.EventSet,
		cache.EventClear,
		cache.EventExpire,
		cache.EventUpdate,
	}
	for _, kind := range kinds {
		counter := metrics.cacheEvents.WithLabelValues(string(kind))
		resourceCache.OnEvent(kind, func(cache.Key) {
			counter.Inc()
		})
	}
}
