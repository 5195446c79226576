package mac

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ccc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_class_change_count",
		Help: "The number of device class change requests (per class).",
	}, []string{"class"})

	dtsc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mac_device_time_sync_count",
		Help: "The number of device time synchronizations.",
	})
)

func classChangeCounter(c string) prometheus.Counter {
	return ccc.With(prometheus.Labels{"class": c})
}

func deviceTimeSyncCounter() prometheus.Counter {
	return dtsc
}
