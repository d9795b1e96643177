// Package metrics exposes Prometheus collectors for blockseal services.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bardlex/blockseal/internal/sealer"
)

var (
	sealTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "sealer",
		Name:      "seal_total",
		Help:      "Count of seal requests by outcome.",
	}, []string{"algorithm", "difficulty", "status"})

	sealCachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "sealer",
		Name:      "seal_cached_total",
		Help:      "Count of seals answered from the nonce cache.",
	}, []string{"algorithm", "difficulty"})

	sealDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockseal",
		Subsystem: "sealer",
		Name:      "seal_duration_seconds",
		Help:      "Duration of seal requests.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
	}, []string{"algorithm", "difficulty", "status"})

	sealAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockseal",
		Subsystem: "sealer",
		Name:      "seal_attempts",
		Help:      "Candidate digests computed per mined seal.",
		Buckets:   prometheus.ExponentialBuckets(1, 16, 9), // 16^0..16^8
	}, []string{"algorithm", "difficulty"})

	checkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockseal",
		Subsystem: "sealer",
		Name:      "check_total",
		Help:      "Count of seal checks by resulting block state.",
	}, []string{"algorithm", "difficulty", "result"})
)

// Sealer records seal and check events. It implements sealer.Observer.
type Sealer struct{}

// NewSealer creates a Sealer metrics collector.
func NewSealer() *Sealer {
	return &Sealer{}
}

// ObserveSeal records the outcome, duration and work of a seal.
func (m *Sealer) ObserveSeal(_ context.Context, ev sealer.SealEvent) {
	algorithm := orUnknown(ev.Algorithm)
	difficulty := strconv.Itoa(ev.Difficulty)

	sealTotal.WithLabelValues(algorithm, difficulty, ev.Status).Inc()
	sealDuration.WithLabelValues(algorithm, difficulty, ev.Status).Observe(ev.Elapsed.Seconds())

	if ev.Status != sealer.StatusSealed {
		return
	}
	if ev.Cached {
		sealCachedTotal.WithLabelValues(algorithm, difficulty).Inc()
		return
	}
	sealAttempts.WithLabelValues(algorithm, difficulty).Observe(float64(ev.Attempts))
}

// ObserveCheck records the state a check derived.
func (m *Sealer) ObserveCheck(_ context.Context, ev sealer.CheckEvent) {
	checkTotal.WithLabelValues(orUnknown(ev.Algorithm), strconv.Itoa(ev.Difficulty), ev.State.String()).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
