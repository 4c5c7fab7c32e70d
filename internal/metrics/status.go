package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"walletnet/internal/status"
)

// StatusGauge exports per-server and aggregate connectivity
type StatusGauge struct {
	servers   *prometheus.GaugeVec
	aggregate prometheus.Gauge
}

// NewStatusGauge creates and registers the gauges
func NewStatusGauge(namespace string, reg prometheus.Registerer) (*StatusGauge, error) {
	g := &StatusGauge{
		servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_status",
			Help:      "Connectivity per server: 0 offline, 1 connecting, 2 online.",
		}, []string{"server"}),
		aggregate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_status",
			Help:      "Aggregate pool connectivity: 0 offline, 1 connecting, 2 online.",
		}),
	}
	for _, c := range []prometheus.Collector{g.servers, g.aggregate} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SetServer records the status of one server
func (g *StatusGauge) SetServer(server string, s status.Status) {
	g.servers.WithLabelValues(server).Set(float64(s))
}

// SetAggregate records the pool status
func (g *StatusGauge) SetAggregate(s status.Status) {
	g.aggregate.Set(float64(s))
}
