package anchor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ticksTotal counts session updates.
	// Labels: result (updated, paused, loading)
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldlock",
		Name:      "ticks_total",
		Help:      "Session updates by outcome",
	}, []string{"result"})

	// fragmentsGauge tracks the number of fragments the manager holds.
	fragmentsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "worldlock",
		Name:      "fragments",
		Help:      "Fragments currently tracked",
	})

	// activePinsGauge tracks the pins contributing to the pinned frame.
	activePinsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "worldlock",
		Name:      "active_pins",
		Help:      "Alignment pins active in the current fragment",
	})

	// refitsTotal counts fragment refit operations.
	// Labels: kind (merge, refreeze, reset)
	refitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldlock",
		Name:      "refits_total",
		Help:      "Fragment refit operations by kind",
	}, []string{"kind"})

	// storeOpsTotal counts pose store operations.
	// Labels: op (save, load), result (ok, error)
	storeOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldlock",
		Name:      "store_ops_total",
		Help:      "Pose store operations by result",
	}, []string{"op", "result"})
)

func observeStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOpsTotal.WithLabelValues(op, result).Inc()
}
