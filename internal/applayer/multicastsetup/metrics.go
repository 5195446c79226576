package multicastsetup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multicastsetup_request_count",
		Help: "The number of handled Remote Multicast Setup requests (per command).",
	}, []string{"cid"})

	sc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multicastsetup_session_transition_count",
		Help: "The number of multicast session transitions (per transition).",
	}, []string{"transition"})
)

func requestCounter(cid CID) prometheus.Counter {
	return rc.With(prometheus.Labels{"cid": cid.String()})
}

func sessionCounter(t transition) prometheus.Counter {
	return sc.With(prometheus.Labels{"transition": t.String()})
}
