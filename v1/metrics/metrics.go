package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAttempts counts lock calls by backend and result (acquired, timeout, error).
	LockAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rock_lock_attempts_total",
		Help: "Total number of lock attempts by backend and result",
	}, []string{"backend", "result"})
	// LockWait observes how long lock calls took per backend, including polling.
	LockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rock_lock_wait_seconds",
		Help:    "Time spent acquiring locks",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})
	// Unlocks counts unlock calls by backend and result (released, not_owner, error).
	Unlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rock_unlock_total",
		Help: "Total number of unlock calls by backend and result",
	}, []string{"backend", "result"})
	// GuardedCalls counts guarded executions by outcome (ok, error, not_acquired).
	GuardedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rock_guarded_calls_total",
		Help: "Total number of guarded calls by outcome",
	}, []string{"outcome"})
	// Discoveries counts manifest discovery passes per capability.
	Discoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rock_extension_discoveries_total",
		Help: "Total number of extension discovery passes",
	}, []string{"capability"})
	// Instantiations counts backend instantiations per capability and name.
	Instantiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rock_extension_instantiations_total",
		Help: "Total number of extension instantiations",
	}, []string{"capability", "name"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock and guard metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockAttempts, LockWait, Unlocks, GuardedCalls)
}

// RegisterExtensionMetrics registers the extension registry metrics.
func RegisterExtensionMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Discoveries, Instantiations)
}
