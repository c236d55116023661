// Package metrics holds the Prometheus collectors shared by the REST handler,
// the shards and the entity caches of one client.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "kephascord"

// Metrics is safe to use with a nil receiver; every method becomes a no-op.
type Metrics struct {
	RESTRequests    *prometheus.CounterVec
	RateLimitWaits  *prometheus.CounterVec
	GatewayEvents   *prometheus.CounterVec
	GatewayLatency  *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	ShardsConnected prometheus.Gauge
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "REST responses by bucket route and status code.",
		}, []string{"route", "status"}),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "ratelimit_waits_total",
			Help:      "Requests parked behind a route bucket or the global limit.",
		}, []string{"scope"}),
		GatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Dispatch events processed by type.",
		}, []string{"type"}),
		GatewayLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "latency_seconds",
			Help:      "Last heartbeat round trip per shard.",
		}, []string{"shard"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled per shard.",
		}, []string{"shard"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entities evicted from bounded caches.",
		}, []string{"collection"}),
		ShardsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "shards_connected",
			Help:      "Shards currently in the connected phase.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	err := multierr.Combine(
		reg.Register(m.RESTRequests),
		reg.Register(m.RateLimitWaits),
		reg.Register(m.GatewayEvents),
		reg.Register(m.GatewayLatency),
		reg.Register(m.Reconnects),
		reg.Register(m.CacheEvictions),
		reg.Register(m.ShardsConnected),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ObserveREST(route string, status int) {
	if m == nil {
		return
	}
	m.RESTRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveRateLimitWait(global bool) {
	if m == nil {
		return
	}
	scope := "route"
	if global {
		scope = "global"
	}
	m.RateLimitWaits.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveEvent(t string) {
	if m == nil {
		return
	}
	m.GatewayEvents.WithLabelValues(t).Inc()
}

func (m *Metrics) ObserveLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayLatency.WithLabelValues(strconv.Itoa(shard)).Set(d.Seconds())
}

func (m *Metrics) ObserveReconnect(shard int) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (m *Metrics) ObserveEviction(collection string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(collection).Inc()
}

func (m *Metrics) ShardConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.ShardsConnected.Inc()
	} else {
		m.ShardsConnected.Dec()
	}
}
