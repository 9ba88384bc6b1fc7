package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace      = "upload_relay"
	HTTPSubsystem  = "http"
	RelaySubsystem = "relay"
)

var (
	TotalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "total_requests",
		Namespace: Namespace,
		Subsystem: HTTPSubsystem,
		Help:      "total number of http requests made to the upload relay, by route and status class",
	}, []string{"path", "status"})
)

var (
	// counts all 5xx responses
	TotalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "total_failed_requests",
		Namespace: Namespace,
		Subsystem: HTTPSubsystem,
		Help:      "total number of http requests that failed with a server error",
	})
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "duration_seconds",
		Namespace: Namespace,
		Subsystem: HTTPSubsystem,
		Help:      "Duration of HTTP requests.",
		Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"path"})
)
