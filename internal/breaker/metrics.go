package breaker

import "github.com/prometheus/client_golang/prometheus"

// Gauges are process-wide and mirror the last observed state, so a process runs
// one Breaker.
var (
	metricActive       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "copybot_breaker_active", Help: "1 while the circuit breaker blocks trading"})
	metricDailyLoss    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "copybot_breaker_daily_loss", Help: "Realized loss since the last UTC midnight"})
	metricConsecutive  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "copybot_breaker_consecutive_losses", Help: "Losses since the last profit"})
	metricActivations  = prometheus.NewCounter(prometheus.CounterOpts{Name: "copybot_breaker_activations_total", Help: "Times the breaker opened"})
	metricSkips        = prometheus.NewCounter(prometheus.CounterOpts{Name: "copybot_breaker_skips_total", Help: "Trades blocked by an open breaker"})
	metricPersistFails = prometheus.NewCounter(prometheus.CounterOpts{Name: "copybot_breaker_persist_failures_total", Help: "State saves that failed"})
	metricFailOpen     = prometheus.NewCounter(prometheus.CounterOpts{Name: "copybot_breaker_fail_open_total", Help: "Internal errors resolved by allowing the trade"})
)

func init() {
	prometheus.MustRegister(
		metricActive, metricDailyLoss, metricConsecutive,
		metricActivations, metricSkips, metricPersistFails, metricFailOpen,
	)
}

func observe(s State) {
	if s.Active {
		metricActive.Set(1)
	} else {
		metricActive.Set(0)
	}
	metricDailyLoss.Set(s.DailyLoss.InexactFloat64())
	metricConsecutive.Set(float64(s.ConsecutiveLosses))
}
