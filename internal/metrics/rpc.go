package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blockseal",
		Subsystem: "rpc",
		Name:      "connections_active",
		Help:      "Currently open RPC sessions.",
	})

	rpcConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "rpc",
		Name:      "connections_total",
		Help:      "Count of accepted and rejected RPC connections.",
	}, []string{"status"})

	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Count of RPC requests by method and status.",
	}, []string{"method", "status"})

	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockseal",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Duration of RPC requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// RPC tracks metrics for the RPC server.
type RPC struct{}

// NewRPC creates an RPC metrics collector.
func NewRPC() *RPC {
	return &RPC{}
}

// ConnectionOpened records an accepted session.
func (m *RPC) ConnectionOpened() {
	rpcConnectionsTotal.WithLabelValues("accepted").Inc()
	rpcConnectionsActive.Inc()
}

// ConnectionClosed records the end of an accepted session.
func (m *RPC) ConnectionClosed() {
	rpcConnectionsActive.Dec()
}

// ConnectionRejected records a connection refused at the session limit.
func (m *RPC) ConnectionRejected() {
	rpcConnectionsTotal.WithLabelValues("rejected").Inc()
}

// ObserveRequest records a handled request. An empty method is recorded as unknown.
func (m *RPC) ObserveRequest(method string, err error, started time.Time) {
	status := statusOf(err)
	method = orUnknown(method)

	rpcRequestsTotal.WithLabelValues(method, status).Inc()
	rpcRequestDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
}
