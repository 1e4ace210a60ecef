package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one node. Collectors are
// registered on a registry owned by that node, never the global default.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesReceived     prometheus.Counter
	framesSent         prometheus.Counter
	bytesDiscarded     prometheus.Counter
	resyncs            prometheus.Counter
	duplicatesDropped  prometheus.Counter
	protocolErrors     prometheus.Counter
	sendsCompleted     *prometheus.CounterVec
	connectionsOpened  *prometheus.CounterVec
	connectionsClosed  *prometheus.CounterVec
	connectionsActive  prometheus.Gauge
	tasksReaped        prometheus.Counter
	dispatchBatchSizes prometheus.Histogram
}

// NewMetrics creates the transport collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_frames_received_total",
			Help: "Total number of valid frames extracted from inbound streams",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_frames_sent_total",
			Help: "Total number of frames written to connections",
		}),
		bytesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_bytes_discarded_total",
			Help: "Bytes dropped while resynchronizing on a valid header",
		}),
		resyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_resyncs_total",
			Help: "Number of header resynchronization scans",
		}),
		duplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_duplicates_dropped_total",
			Help: "Inbound requests suppressed as duplicates",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_protocol_errors_total",
			Help: "Inbound requests with no handler or a failing handler",
		}),
		sendsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_sends_completed_total",
			Help: "Completed sends by status",
		}, []string{"status"}),
		connectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_connections_opened_total",
			Help: "Connections registered by role",
		}, []string{"role"}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_connections_closed_total",
			Help: "Connections closed by reason",
		}, []string{"reason"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedmesh_connections_active",
			Help: "Connections currently registered",
		}),
		tasksReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_tasks_reaped_total",
			Help: "Ephemeral goroutines reaped by the task tracker",
		}),
		dispatchBatchSizes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedmesh_dispatch_batch_frames",
			Help:    "Frames per dispatched request batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

func (m *Metrics) frameReceived(n int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(float64(n))
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) discarded(n int) {
	if m == nil {
		return
	}
	m.resyncs.Inc()
	m.bytesDiscarded.Add(float64(n))
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) sendCompleted(s Status) {
	if m == nil {
		return
	}
	m.sendsCompleted.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) connectionOpened(r Role) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(r.String()).Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed(s Status) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(s.String()).Inc()
	m.connectionsActive.Dec()
}

func (m *Metrics) taskReaped() {
	if m == nil {
		return
	}
	m.tasksReaped.Inc()
}

func (m *Metrics) batch(n int) {
	if m == nil {
		return
	}
	m.dispatchBatchSizes.Observe(float64(n))
}
