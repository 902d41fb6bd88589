package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Attempts 每次代理尝试的结果: valid / invalid / error / cancelled
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_attempts_total",
			Help: "Total number of proxy attempts by pattern and result",
		},
		[]string{"pattern", "result"},
	)

	// Races 每次转发竞速的结果: success / failure / exhausted
	Races = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_races_total",
			Help: "Total number of forward races by pattern and result",
		},
		[]string{"pattern", "result"},
	)

	RaceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tower_race_duration_seconds",
			Help:    "Time from race start to resolution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"pattern"},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_evictions_total",
			Help: "Total number of proxies moved to the fail ledger",
		},
		[]string{"pattern", "reason"},
	)

	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tower_admissions_total",
			Help: "Total number of proxies admitted into a pattern pool",
		},
		[]string{"pattern", "source"},
	)
)

// Handler 返回 Prometheus 指标的 HTTP 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
