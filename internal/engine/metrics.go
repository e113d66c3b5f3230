package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Engine steps that ran a batch",
		},
		[]string{"model"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of one engine step in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"model"},
	)

	batchTokens = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "batch_tokens",
			Help:      "Tokens computed per step",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
		},
		[]string{"model"},
	)

	preemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "preemptions_total",
			Help:      "Groups preempted, by mode",
		},
		[]string{"model", "mode"},
	)

	kvBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "kv_blocks",
			Help:      "KV cache blocks by pool and state",
		},
		[]string{"model", "pool", "state"},
	)

	queueGroups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "queue_groups",
			Help:      "Sequence groups per scheduler queue",
		},
		[]string{"model", "queue"},
	)

	generatedTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "generated_tokens_total",
			Help:      "Tokens delivered to callers",
		},
		[]string{"model"},
	)

	finishedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "finished_requests_total",
			Help:      "Finished requests by reason",
		},
		[]string{"model", "reason"},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal, stepDuration, batchTokens, preemptionsTotal,
		kvBlocks, queueGroups, generatedTokens, finishedRequests)
}

// observeStats publishes queue and pool gauges.
func observeStats(model string, st Stats) {
	queueGroups.WithLabelValues(model, "waiting").Set(float64(st.Waiting))
	queueGroups.WithLabelValues(model, "running").Set(float64(st.Running))
	queueGroups.WithLabelValues(model, "swapped").Set(float64(st.Swapped))
	kvBlocks.WithLabelValues(model, "device", "used").Set(float64(st.TotalBlocks - st.FreeBlocks))
	kvBlocks.WithLabelValues(model, "device", "free").Set(float64(st.FreeBlocks))
	kvBlocks.WithLabelValues(model, "device", "cached").Set(float64(st.CachedBlocks))
	kvBlocks.WithLabelValues(model, "host", "used").Set(float64(st.HostTotal - st.HostFree))
	kvBlocks.WithLabelValues(model, "host", "free").Set(float64(st.HostFree))
}

// forgetModel drops the series of an unloaded model.
func forgetModel(model string) {
	l := prometheus.Labels{"model": model}
	for _, v := range []*prometheus.MetricVec{
		stepsTotal.MetricVec, stepDuration.MetricVec, batchTokens.MetricVec, preemptionsTotal.MetricVec,
		kvBlocks.MetricVec, queueGroups.MetricVec, generatedTokens.MetricVec, finishedRequests.MetricVec,
	} {
		v.DeletePartialMatch(l)
	}
}
