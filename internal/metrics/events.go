package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bardlex/blockseal/pkg/circuit"
)

var (
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "messaging",
		Name:      "published_total",
		Help:      "Count of published seal events by topic and status.",
	}, []string{"topic", "status"})

	eventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "messaging",
		Name:      "consumed_total",
		Help:      "Count of consumed seal events by topic and status.",
	}, []string{"topic", "status"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockseal",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"breaker"})
)

// Events tracks metrics for Kafka publishing and consumption.
type Events struct{}

// NewEvents creates an Events metrics collector.
func NewEvents() *Events {
	return &Events{}
}

// ObservePublish records a publish attempt.
func (m *Events) ObservePublish(topic string, err error) {
	eventsPublishedTotal.WithLabelValues(topic, statusOf(err)).Inc()
}

// ObserveConsume records the handling of a consumed message.
func (m *Events) ObserveConsume(topic string, err error) {
	eventsConsumedTotal.WithLabelValues(topic, statusOf(err)).Inc()
}

// BreakerStateChanged matches circuit.Config.OnStateChange.
func BreakerStateChanged(name string, _, to circuit.State) {
	breakerState.WithLabelValues(orUnknown(name)).Set(float64(to))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
