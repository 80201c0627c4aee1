package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_sessions",
		Help: "Registered edge sessions",
	})
	zombiesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_zombie_sessions",
		Help: "Sessions awaiting delivery resource cleanup",
	})
)
