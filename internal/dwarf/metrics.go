package dwarf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serverBoots = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dwarf",
	Name:      "server_boots_total",
	Help:      "Server boot requests by result.",
}, []string{"result"})

func observeBoot(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	serverBoots.WithLabelValues(result).Inc()
}
