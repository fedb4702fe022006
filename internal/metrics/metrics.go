// Package metrics exposes prometheus counters for the selection loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Selections       *prometheus.CounterVec
	Conversions      prometheus.Counter
	Expiries         prometheus.Counter
	Conflicts        prometheus.Counter
	SweepFailures    prometheus.Counter
	PlateauCycles    prometheus.Counter
	PlateausDetected prometheus.Counter
	VariantsSpawned  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nudgekit_selections_total",
			Help: "Selections made, by variant.",
		}, []string{"variant_id"}),
		Conversions: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_conversions_total",
			Help: "Observation windows closed by a conversion event.",
		}),
		Expiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_expiries_total",
			Help: "Observation windows closed by the reconciliation sweep.",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_resolution_conflicts_total",
			Help: "Resolution races that lost to an earlier terminal transition.",
		}),
		SweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_sweep_row_failures_total",
			Help: "Rows skipped during a reconciliation sweep due to errors.",
		}),
		PlateauCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_plateau_cycles_total",
			Help: "Plateau detection cycles run.",
		}),
		PlateausDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_plateaus_detected_total",
			Help: "Cycles that detected a plateau.",
		}),
		VariantsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "nudgekit_variants_spawned_total",
			Help: "Variants created by plateau cycles.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
