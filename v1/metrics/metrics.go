package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FuseCounter tracks the number of locks that transitioned to the fused state.
	FuseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuselock_fused_total",
		Help: "Total number of fuse transitions",
	})
	// WaiterGauge reports the number of goroutines parked in blocking acquisition.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fuselock_waiters",
		Help: "Current number of goroutines blocked on acquisition",
	})
	// RegistryGauge reports the number of locks held in registries.
	RegistryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fuselock_registry_locks",
		Help: "Current number of locks tracked by registries",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers fuselock core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(FuseCounter, WaiterGauge, RegistryGauge)
}
