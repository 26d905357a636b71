package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/sawpanic/filterstream/stream"
)

// Registry holds all Prometheus metrics for filterstream
type Registry struct {
	registry *prometheus.Registry

	// Stream events by kind
	Events *prometheus.CounterVec

	// Successful connections
	Connections prometheus.Counter

	// Supervisor state as its numeric value
	State prometheus.Gauge

	// Most recently scheduled reconnect delay
	Backoff prometheus.Gauge

	// Handler latency per payload
	HandlerDuration prometheus.Histogram

	// Rule API requests by operation and HTTP status
	RulesRequests *prometheus.CounterVec

	// Sink writes by sink and result
	SinkWrites *prometheus.CounterVec

	// Connected relay clients
	RelayClients prometheus.Gauge

	mu             sync.RWMutex
	lastEvent      time.Time
	lastConnection string
}

// NewRegistry creates the collectors and registers them on a private
// registry together with the Go and process collectors
func NewRegistry() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterstream_events_total",
				Help: "Stream events by kind",
			},
			[]string{"kind"},
		),

		Connections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "filterstream_connections_total",
				Help: "Stream connections opened",
			},
		),

		State: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filterstream_state",
				Help: "Supervisor state (0 idle, 1 connecting, 2 streaming, 3 awaiting_retry, 4 stopped)",
			},
		),

		Backoff: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filterstream_backoff_seconds",
				Help: "Delay before the next reconnect attempt",
			},
		),

		HandlerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filterstream_handler_duration_seconds",
				Help:    "Time spent in the message handler",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		RulesRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterstream_rules_requests_total",
				Help: "Rule API requests by operation and HTTP status (0 when no response)",
			},
			[]string{"op", "status"},
		),

		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterstream_sink_writes_total",
				Help: "Sink writes by sink and result",
			},
			[]string{"sink", "result"},
		),

		RelayClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filterstream_relay_clients",
				Help: "Connected WebSocket relay clients",
			},
		),
	}

	m.registry.MustRegister(
		m.Events,
		m.Connections,
		m.State,
		m.Backoff,
		m.HandlerDuration,
		m.RulesRequests,
		m.SinkWrites,
		m.RelayClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OnEvent implements stream.Observer
func (m *Registry) OnEvent(e stream.Event) {
	m.Events.WithLabelValues(string(e.Kind)).Inc()
	m.State.Set(float64(e.State))

	switch e.Kind {
	case stream.EventConnected:
		m.Connections.Inc()
		m.Backoff.Set(0)
	case stream.EventRetryScheduled:
		m.Backoff.Set(e.Backoff.Seconds())
	case stream.EventPayload:
		m.HandlerDuration.Observe(e.Duration.Seconds())
	}

	m.mu.Lock()
	m.lastEvent = e.At
	if e.ConnectionID != "" {
		m.lastConnection = e.ConnectionID
	}
	m.mu.Unlock()
}

// ObserveRulesRequest matches the rules client request hook
func (m *Registry) ObserveRulesRequest(op string, status int) {
	m.RulesRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

// ObserveSinkWrite records one sink write
func (m *Registry) ObserveSinkWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SinkWrites.WithLabelValues(sink, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Snapshot is a point-in-time summary used by the health endpoint
type Snapshot struct {
	State          string    `json:"state"`
	Connections    float64   `json:"connections"`
	Payloads       float64   `json:"payloads"`
	KeepAlives     float64   `json:"keep_alives"`
	Reconnects     float64   `json:"reconnects"`
	BackoffSeconds float64   `json:"backoff_seconds"`
	LastEvent      time.Time `json:"last_event,omitempty"`
	ConnectionID   string    `json:"connection_id,omitempty"`
}

// Snapshot reads the current collector values
func (m *Registry) Snapshot() Snapshot {
	m.mu.RLock()
	lastEvent, lastConnection := m.lastEvent, m.lastConnection
	m.mu.RUnlock()

	return Snapshot{
		State:          stream.State(int32(gaugeValue(m.State))).String(),
		Connections:    counterValue(m.Connections),
		Payloads:       counterValue(m.Events.WithLabelValues(string(stream.EventPayload))),
		KeepAlives:     counterValue(m.Events.WithLabelValues(string(stream.EventKeepAlive))),
		Reconnects:     counterValue(m.Events.WithLabelValues(string(stream.EventRetryScheduled))),
		BackoffSeconds: gaugeValue(m.Backoff),
		LastEvent:      lastEvent,
		ConnectionID:   lastConnection,
	}
}

func counterValue(c prometheus.Counter) float64 {
	metric := &io_prometheus_client.Metric{}
	if err := c.Write(metric); err != nil || metric.Counter == nil {
		return 0
	}
	return metric.Counter.GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	metric := &io_prometheus_client.Metric{}
	if err := g.Write(metric); err != nil || metric.Gauge == nil {
		return 0
	}
	return metric.Gauge.GetValue()
}
