// Package metrics exports proxy session outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"forward-proxy/internal/proxy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is an OutcomeSink that keeps per-proxy counters.
//
// Metrics:
//   - <ns>_sessions_total: outcomes by proxy, mode, decision and status
//   - <ns>_relayed_bytes_total: bytes by proxy and direction (up|down)
//   - <ns>_session_duration_seconds: outcome duration by proxy and mode
//   - <ns>_active_sessions: open client connections, per tracked proxy
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	sessions *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ proxy.OutcomeSink = (*Collector)(nil)

// NewCollector registers the proxy metrics on registry. A nil registry gets a
// fresh one with the Go and process collectors.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	c := &Collector{
		registry:  registry,
		namespace: namespace,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Proxy request outcomes.",
		}, []string{"proxy", "mode", "decision", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed between clients and upstreams.",
		}, []string{"proxy", "direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from request head to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10), // 5ms to ~22min
		}, []string{"proxy", "mode"}),
	}
	registry.MustRegister(c.sessions, c.bytes, c.duration)
	return c
}

// Record implements proxy.OutcomeSink.
func (c *Collector) Record(o proxy.Outcome) {
	decision := "deny"
	switch {
	case o.Allowed:
		decision = "allow"
	case o.Rule == "":
		decision = "none"
	}
	c.sessions.WithLabelValues(o.Proxy, string(o.Mode), decision, strconv.Itoa(o.Status)).Inc()
	if o.BytesUp > 0 {
		c.bytes.WithLabelValues(o.Proxy, "up").Add(float64(o.BytesUp))
	}
	if o.BytesDown > 0 {
		c.bytes.WithLabelValues(o.Proxy, "down").Add(float64(o.BytesDown))
	}
	c.duration.WithLabelValues(o.Proxy, string(o.Mode)).Observe(o.Duration.Seconds())
}

// TrackActive exports active() as the proxy's active session gauge.
func (c *Collector) TrackActive(proxyName string, active func() int64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Name:        "active_sessions",
		Help:        "Client connections currently being served.",
		ConstLabels: prometheus.Labels{"proxy": proxyName},
	}, func() float64 { return float64(active()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
