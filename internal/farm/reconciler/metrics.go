package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sweepsTotal 各巡检循环的执行次数，label 含巡检结果
var sweepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "devicefarm",
		Name:      "reconciler_sweeps_total",
		Help:      "Reconciliation sweeps by loop and outcome",
	},
	[]string{"loop", "outcome"},
)

// reclaimedTotal 各巡检循环回收的资源数
var reclaimedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "devicefarm",
		Name:      "reconciler_reclaimed_total",
		Help:      "Resources reclaimed by reconciliation sweeps",
	},
	[]string{"loop"},
)
