// Package metrics exposes run counters on a private Prometheus
// registry, never the global default: the driver is a library as much
// as a CLI, and a second instance embedded in another process must not
// collide with whatever that process already registers.
//
// Grounded on this codebase's prometheus/client_golang usage pattern
// (processors/costcontrol and processors/nrerrormonitor both emit
// counters for error/cost conditions) repointed at permutation and
// step outcomes instead of collector pipeline cost.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/histogram the driver emits, plus the
// private prometheus.Registry they're registered against.
type Registry struct {
	Registry *prometheus.Registry

	PermutationsTotal        prometheus.Counter
	PermutationsInvalidTotal prometheus.Counter
	StepsBlockedTotal        prometheus.Counter
	StepErrorsTotal          prometheus.Counter
	WaitProbeSeconds         prometheus.Histogram
}

// New builds and registers every metric on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		Registry: reg,
		PermutationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotest",
			Name:      "permutations_total",
			Help:      "Total permutations executed.",
		}),
		PermutationsInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotest",
			Name:      "permutations_invalid_total",
			Help:      "Permutations detected as invalid (a session blocked with no other step able to run).",
		}),
		StepsBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotest",
			Name:      "steps_blocked_total",
			Help:      "Steps observed waiting on a lock held by another session.",
		}),
		StepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotest",
			Name:      "step_errors_total",
			Help:      "Steps that completed with a server error.",
		}),
		WaitProbeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isotest",
			Name:      "wait_probe_seconds",
			Help:      "Latency of each lock-wait probe query.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PermutationsTotal,
		m.PermutationsInvalidTotal,
		m.StepsBlockedTotal,
		m.StepErrorsTotal,
		m.WaitProbeSeconds,
	)

	return m
}
