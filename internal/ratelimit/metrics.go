package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by algorithm, tier and outcome.",
	}, []string{"algorithm", "tier", "outcome"})

	failOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "ratelimit",
		Name:      "failopen_total",
		Help:      "Checks allowed because the KV store was unreachable.",
	}, []string{"algorithm"})

	bypassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "ratelimit",
		Name:      "bypass_total",
		Help:      "Requests that bypassed rate limiting, by reason.",
	}, []string{"reason"})

	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "ratelimit",
		Name:      "check_duration_seconds",
		Help:      "Latency of limiter checks including the KV round trip.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"algorithm"})
)
