package applayer

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applayer_downlink_count",
		Help: "The number of received downlinks (per f_port).",
	}, []string{"f_port"})

	sleepVetoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "applayer_sleep_vetoed",
		Help: "Set to 1 when a package vetoes low-power mode.",
	})

	txPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "applayer_tx_pending",
		Help: "Set to 1 when a package has an answer pending.",
	})
)

func downlinkCounter(fPort uint8) prometheus.Counter {
	return dc.With(prometheus.Labels{"f_port": strconv.Itoa(int(fPort))})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
