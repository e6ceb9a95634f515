// Package metrics holds phoenix's Prometheus instrumentation: counters and
// gauges for the four subsystems, registered against the default registry
// and surfaced by httpapi's /metrics endpoint via promhttp.
//
// No original-source analogue (the rust core predates this operational
// surface); added per the expanded spec's domain-stack wiring, using the
// promauto.NewCounter/NewGauge registration style the pack demonstrates in
// prysmaticlabs-prysm/beacon-chain/cache/cache_test.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "alerts_fired_total",
		Help:      "Number of alerts fired, by tier and channel.",
	}, []string{"tier", "channel"})

	DemotionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "demotions_processed_total",
		Help:      "Number of builder demotions processed, by outcome.",
	}, []string{"outcome"})

	BuildersPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "builders_promoted_total",
		Help:      "Number of builders flipped back to is_optimistic.",
	})

	MissedSlotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "missed_slots_total",
		Help:      "Number of delivered payloads that never became canonical.",
	})

	MissedSlotRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phoenix",
		Name:      "missed_slot_rate",
		Help:      "Missed slot count over the trailing missed_slots_check_range window.",
	})

	FreshnessSourceAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phoenix",
		Name:      "freshness_source_age_seconds",
		Help:      "Seconds since a freshness source last reported healthy.",
	}, []string{"source"})

	FreshnessUnsyncedNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phoenix",
		Name:      "freshness_unsynced_nodes",
		Help:      "Count of unsynced nodes last reported by a freshness source.",
	}, []string{"source"})

	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "scan_errors_total",
		Help:      "Number of errors raised by a scan loop, by loop name.",
	}, []string{"loop"})
)
