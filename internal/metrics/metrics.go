package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RateLimitDecisions *prometheus.CounterVec
	RateLimitStoreErrs prometheus.Counter
	RelayRequests      *prometheus.CounterVec
	RelayDuration      *prometheus.HistogramVec
	RelayTokens        *prometheus.CounterVec
	HistoryWrites      prometheus.Counter
	HistoryWriteErrs   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by category and outcome",
			}, []string{"category", "outcome"}),
			RateLimitStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "ratelimit_store_errors_total",
				Help:      "Requests admitted because the counter store was unavailable",
			}),
			RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "ai_requests_total",
				Help:      "AI requests by provider, mode and final status",
			}, []string{"provider", "mode", "status"}),
			RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "codegravity",
				Name:      "ai_request_duration_seconds",
				Help:      "Wall time from upstream call to terminal event",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			}, []string{"provider", "mode"}),
			RelayTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "ai_tokens_total",
				Help:      "Tokens reported by upstream providers",
			}, []string{"provider"}),
			HistoryWrites: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "history_writes_total",
				Help:      "History records persisted",
			}),
			HistoryWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codegravity",
				Name:      "history_write_errors_total",
				Help:      "History records lost to persistence failures",
			}),
		}
		prometheus.MustRegister(
			global.RateLimitDecisions,
			global.RateLimitStoreErrs,
			global.RelayRequests,
			global.RelayDuration,
			global.RelayTokens,
			global.HistoryWrites,
			global.HistoryWriteErrs,
		)
	})
	return global
}
