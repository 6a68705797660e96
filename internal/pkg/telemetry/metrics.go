package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded on provider metrics.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the collectors NFVCL exports.
type Metrics struct {
	ProviderCallDuration *prometheus.HistogramVec
	ProviderCalls        *prometheus.CounterVec
	BlueprintOperations  *prometheus.CounterVec
	BlueprintsCorrupted  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nfvcl",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of infrastructure provider calls.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"capability", "method"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfvcl",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Infrastructure provider calls by outcome.",
		}, []string{"capability", "method", "outcome"}),
		BlueprintOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfvcl",
			Subsystem: "blueprint",
			Name:      "operations_total",
			Help:      "Blueprint lifecycle operations by outcome.",
		}, []string{"type", "operation", "outcome"}),
		BlueprintsCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfvcl",
			Subsystem: "blueprint",
			Name:      "loaded_corrupted_total",
			Help:      "Blueprint documents that loaded in corrupted state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ProviderCallDuration, m.ProviderCalls, m.BlueprintOperations, m.BlueprintsCorrupted)
	}
	return m
}

// ObserveProviderCall records one provider call. Safe on a nil receiver.
func (m *Metrics) ObserveProviderCall(capability, method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.ProviderCallDuration.WithLabelValues(capability, method).Observe(elapsed.Seconds())
	m.ProviderCalls.WithLabelValues(capability, method, outcome).Inc()
}

// ObserveOperation records one blueprint lifecycle operation. Safe on a nil receiver.
func (m *Metrics) ObserveOperation(blueprintType, operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.BlueprintOperations.WithLabelValues(blueprintType, operation, outcome).Inc()
}

// ObserveCorruptedLoad counts a corrupted load. Safe on a nil receiver.
func (m *Metrics) ObserveCorruptedLoad() {
	if m == nil {
		return
	}
	m.BlueprintsCorrupted.Inc()
}
