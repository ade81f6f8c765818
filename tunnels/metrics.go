package tunnels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tunnelsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gandalf_tunnels_created_total",
		Help: "Number of tunnels that reached a successful usbmuxd connect.",
	})
	tunnelTimeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gandalf_tunnel_timeouts_total",
		Help: "Number of tunnels closed by the idle timeout.",
	})
	activeListenersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gandalf_active_listeners",
		Help: "Currently bound local TCP listeners.",
	})
)
