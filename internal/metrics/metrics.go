// Package metrics provides Prometheus metrics for devbus.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "devbus"

// OverflowMethod is used as the method label when the number of unique
// methods exceeds MaxMethods.
const OverflowMethod = "__other__"

// Rejection reasons for connections that never reached a relay or bus.
const (
	ReasonMissingRole    = "missing_role"
	ReasonRoleConflict   = "role_conflict"
	ReasonEvicted        = "evicted"
	ReasonMaxConnections = "max_connections"
	ReasonForbidden      = "forbidden"
	ReasonUpgradeFailed  = "upgrade_failed"
)

// Message error reasons.
const (
	ReasonBinaryFrame     = "binary_frame"
	ReasonMalformed       = "malformed"
	ReasonVersionMismatch = "version_mismatch"
	ReasonInvalidMessage  = "invalid_message"
	ReasonUnknownMethod   = "unknown_method"
	ReasonUnknownTarget   = "unknown_target"
	ReasonDeadResponse    = "dead_response_target"
	ReasonSendFailed      = "send_failed"
	ReasonSendTimeout     = "send_timeout"
	ReasonPeerMissing     = "peer_missing"
)

// Metrics holds all Prometheus metrics for devbus.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxMethods is the maximum number of unique method label values.
	// Once exceeded, new methods are recorded as OverflowMethod.
	// Zero means unlimited.
	MaxMethods int

	connectionsTotal     *prometheus.CounterVec
	connectionRejections *prometheus.CounterVec
	activeConnections    *prometheus.GaugeVec
	connectionDuration   *prometheus.HistogramVec
	messagesTotal        *prometheus.CounterVec
	messageErrors        *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	debuggerConnected    *prometheus.GaugeVec
	broadcastFanout      prometheus.Histogram

	methodCount atomic.Int64
	methods     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections that were admitted to a relay or the bus.",
		}, []string{"endpoint", "role", "status"}),

		connectionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rejections_total",
			Help:      "Total connections closed or refused before or instead of being served, by reason.",
		}, []string{"endpoint", "reason"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open connections.",
		}, []string{"endpoint", "role"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"endpoint", "role"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total messages routed, by envelope kind and method.",
		}, []string{"endpoint", "kind", "method"}),

		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Total messages that were rejected or could not be delivered, by reason.",
		}, []string{"endpoint", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total payload bytes forwarded by a relay endpoint.",
		}, []string{"endpoint", "direction"}),

		debuggerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debugger_connected",
			Help:      "Whether a debugger holds the relay debugger slot (1) or not (0).",
		}, []string{"endpoint"}),

		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_fanout",
			Help:      "Number of peers each bus broadcast was delivered to.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionRejections,
		m.activeConnections,
		m.connectionDuration,
		m.messagesTotal,
		m.messageErrors,
		m.bytesTotal,
		m.debuggerConnected,
		m.broadcastFanout,
	)

	return m
}

// SanitizeMethod returns method if it is within the cardinality budget,
// or OverflowMethod if the cap has been reached. Methods that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeMethod(method string) string {
	if m == nil {
		return method
	}
	if m.MaxMethods <= 0 {
		return method
	}

	for {
		if _, ok := m.methods.Load(method); ok {
			return method
		}

		cur := m.methodCount.Load()
		if cur >= int64(m.MaxMethods) {
			// Another goroutine may have stored this method between the
			// Load and the cap check.
			if _, ok := m.methods.Load(method); ok {
				return method
			}
			return OverflowMethod
		}

		if !m.methodCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.methods.LoadOrStore(method, struct{}{}); loaded {
			m.methodCount.Add(-1)
		}

		return method
	}
}

// ConnectionOpened increments the active connection gauge and should be
// called once a connection has been admitted. Returns a ConnectionTracker
// to record the outcome when the connection ends.
func (m *Metrics) ConnectionOpened(endpoint, role string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeConnections.WithLabelValues(endpoint, role).Inc()
	return &ConnectionTracker{m: m, endpoint: endpoint, role: role}
}

// ConnectionRejected records a connection that was refused or closed by
// the server's admission policy.
func (m *Metrics) ConnectionRejected(endpoint, reason string) {
	if m == nil {
		return
	}
	m.connectionRejections.WithLabelValues(endpoint, reason).Inc()
}

// MessageRouted records one routed message.
func (m *Metrics) MessageRouted(endpoint, kind, method string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(endpoint, kind, m.SanitizeMethod(method)).Inc()
}

// MessageError records a message that was discarded or failed delivery.
func (m *Metrics) MessageError(endpoint, reason string) {
	if m == nil {
		return
	}
	m.messageErrors.WithLabelValues(endpoint, reason).Inc()
}

// RelayedBytes adds n forwarded bytes in the given direction.
func (m *Metrics) RelayedBytes(endpoint, direction string, n int) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues(endpoint, direction).Add(float64(n))
}

// SetDebuggerConnected sets the debugger slot gauge for a relay endpoint.
func (m *Metrics) SetDebuggerConnected(endpoint string, up bool) {
	if m == nil {
		return
	}
	if up {
		m.debuggerConnected.WithLabelValues(endpoint).Set(1)
	} else {
		m.debuggerConnected.WithLabelValues(endpoint).Set(0)
	}
}

// ObserveBroadcast records how many peers a broadcast reached.
func (m *Metrics) ObserveBroadcast(peers int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(peers))
}

// SendReason returns ReasonSendTimeout if err is a timeout, otherwise
// ReasonSendFailed.
func SendReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonSendTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonSendTimeout
	}
	return ReasonSendFailed
}

// ConnectionTracker records the outcome of a single served connection.
type ConnectionTracker struct {
	m        *Metrics
	endpoint string
	role     string
}

// Done records the completion of a connection. A nil err means the
// connection ended with a close handshake.
func (t *ConnectionTracker) Done(durationSec float64, err error) {
	if t == nil {
		return
	}
	status := "closed"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.endpoint, t.role).Dec()
	t.m.connectionsTotal.WithLabelValues(t.endpoint, t.role, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.endpoint, t.role).Observe(durationSec)
}
