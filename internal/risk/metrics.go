package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	metricEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copybot_risk_evaluations_total",
		Help: "Trade evaluations by outcome and rejection reason",
	}, []string{"outcome", "reason"})
	metricPositionSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copybot_risk_position_size",
		Help:    "Approved copy position sizes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	metricQuality = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copybot_risk_trade_quality",
		Help:    "Trade quality scores of evaluated trades",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})
	metricOpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copybot_open_positions",
		Help: "Open copy positions",
	})
)

func init() {
	prometheus.MustRegister(metricEvaluations, metricPositionSize, metricQuality, metricOpenPositions)
}
