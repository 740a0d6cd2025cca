package accesscontrol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome-labelled counters for the two hot entry points. Registered once
// at package load; exposed by the server's /metrics route.
var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "esplink",
		Subsystem: "access",
		Name:      "registrations_total",
		Help:      "Registration attempts by outcome.",
	}, []string{"outcome"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "esplink",
		Subsystem: "access",
		Name:      "submissions_total",
		Help:      "Data submissions by outcome.",
	}, []string{"outcome"})
)
