// Package metrics exposes call lifecycle and relay traffic counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Call metrics
	CallStarted(direction string)
	CallAccepted()
	CallRejected(reason string)
	CallBusy()
	CallEnded(reason string)
	SetCallActive(active bool)
	RemoteRTP(kind string, sizeBytes int)

	// Group call metrics
	GroupCallStarted()
	GroupCallFailed()
	GroupCallEnded()

	// Relay metrics
	RelayClientConnected()
	RelayClientDisconnected()
	RelayMessage(event string, sizeBytes int)
	RelayDropped(event, reason string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on its own registry, so several
// instances can coexist in one process (tests, client and relay).
type PrometheusCollector struct {
	reg *prometheus.Registry

	callsStarted  *prometheus.CounterVec
	callsAccepted prometheus.Counter
	callsRejected *prometheus.CounterVec
	callsBusy     prometheus.Counter
	callsEnded    *prometheus.CounterVec
	callActive    prometheus.Gauge
	remoteBytes   *prometheus.CounterVec

	groupStarted prometheus.Counter
	groupFailed  prometheus.Counter
	groupEnded   prometheus.Counter

	relayClients  prometheus.Gauge
	relayMessages *prometheus.CounterVec
	relayBytes    *prometheus.HistogramVec
	relayDropped  *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector with Go runtime metrics included.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusCollector{
		reg: reg,

		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_calls_started_total",
			Help: "Calls entering a ringing state, by direction",
		}, []string{"direction"}),
		callsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "goopcall_calls_accepted_total",
			Help: "Incoming calls accepted locally",
		}),
		callsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_calls_rejected_total",
			Help: "Calls rejected, by reason",
		}, []string{"reason"}),
		callsBusy: f.NewCounter(prometheus.CounterOpts{
			Name: "goopcall_calls_busy_total",
			Help: "Invites auto-rejected because a call was in progress",
		}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_calls_ended_total",
			Help: "Calls torn down, by reason",
		}, []string{"reason"}),
		callActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "goopcall_call_active",
			Help: "1 while a call holds a peer connection",
		}),
		remoteBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_remote_rtp_bytes_total",
			Help: "Inbound RTP bytes, by media kind",
		}, []string{"kind"}),

		groupStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "goopcall_group_calls_started_total",
			Help: "Group rooms joined",
		}),
		groupFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "goopcall_group_calls_failed_total",
			Help: "Group calls that failed before joining",
		}),
		groupEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "goopcall_group_calls_ended_total",
			Help: "Group rooms left",
		}),

		relayClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "goopcall_relay_clients",
			Help: "Websocket clients connected to the relay",
		}),
		relayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_relay_messages_total",
			Help: "Events relayed, by event name",
		}, []string{"event"}),
		relayBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goopcall_relay_message_size_bytes",
			Help:    "Size of relayed events",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}, []string{"event"}),
		relayDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_relay_dropped_total",
			Help: "Events the relay could not deliver, by reason",
		}, []string{"event", "reason"}),
	}
}

func (c *PrometheusCollector) CallStarted(direction string) {
	c.callsStarted.WithLabelValues(direction).Inc()
}

func (c *PrometheusCollector) CallAccepted() { c.callsAccepted.Inc() }

func (c *PrometheusCollector) CallRejected(reason string) {
	c.callsRejected.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) CallBusy() { c.callsBusy.Inc() }

func (c *PrometheusCollector) CallEnded(reason string) {
	c.callsEnded.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) SetCallActive(active bool) {
	if active {
		c.callActive.Set(1)
	} else {
		c.callActive.Set(0)
	}
}

func (c *PrometheusCollector) RemoteRTP(kind string, sizeBytes int) {
	c.remoteBytes.WithLabelValues(kind).Add(float64(sizeBytes))
}

func (c *PrometheusCollector) GroupCallStarted() { c.groupStarted.Inc() }
func (c *PrometheusCollector) GroupCallFailed()  { c.groupFailed.Inc() }
func (c *PrometheusCollector) GroupCallEnded()   { c.groupEnded.Inc() }

func (c *PrometheusCollector) RelayClientConnected()    { c.relayClients.Inc() }
func (c *PrometheusCollector) RelayClientDisconnected() { c.relayClients.Dec() }

func (c *PrometheusCollector) RelayMessage(event string, sizeBytes int) {
	c.relayMessages.WithLabelValues(event).Inc()
	c.relayBytes.WithLabelValues(event).Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) RelayDropped(event, reason string) {
	c.relayDropped.WithLabelValues(event, reason).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.reg }

// Noop discards everything.
type Noop struct{}

func (Noop) CallStarted(string)          {}
func (Noop) CallAccepted()               {}
func (Noop) CallRejected(string)         {}
func (Noop) CallBusy()                   {}
func (Noop) CallEnded(string)            {}
func (Noop) SetCallActive(bool)          {}
func (Noop) RemoteRTP(string, int)       {}
func (Noop) GroupCallStarted()           {}
func (Noop) GroupCallFailed()            {}
func (Noop) GroupCallEnded()             {}
func (Noop) RelayClientConnected()       {}
func (Noop) RelayClientDisconnected()    {}
func (Noop) RelayMessage(string, int)    {}
func (Noop) RelayDropped(string, string) {}
func (Noop) Handler() http.Handler       { return http.NotFoundHandler() }
