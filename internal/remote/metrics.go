package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	remoteFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bbca",
		Subsystem: "remote",
		Name:      "fallbacks_total",
		Help:      "Analyze calls answered by local scoring because the backend was unavailable.",
	})
	pushAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bbca",
		Subsystem: "remote",
		Name:      "push_alerts_total",
		Help:      "Security alerts received over the backend push channel.",
	})
)

func init() {
	prometheus.MustRegister(remoteFallbacks, pushAlerts)
}
