package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timezoned_requests_total",
		Help: "Total answered requests by outcome",
	}, []string{"outcome"})
	DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timezoned_dropped_total",
		Help: "Total silently dropped datagrams by reason",
	}, []string{"reason"})
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timezoned_refresh_total",
		Help: "Total refresh job completions by dataset and result",
	}, []string{"dataset", "result"})
	TrackedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timezoned_tracked_clients",
		Help: "Client IPs currently tracked for rate limiting",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(DroppedTotal)
	prometheus.MustRegister(RefreshTotal)
	prometheus.MustRegister(TrackedClients)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler { return promhttp.Handler() }
