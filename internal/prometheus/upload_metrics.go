package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "uploads_total",
		Namespace: Namespace,
		Subsystem: RelaySubsystem,
		Help:      "Total uploads started, by write mode",
	}, []string{"mode"})

	UploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "upload_failures_total",
		Namespace: Namespace,
		Subsystem: RelaySubsystem,
		Help:      "Total failed uploads, by error kind",
	}, []string{"kind"})

	RelayedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "relayed_bytes_total",
		Namespace: Namespace,
		Subsystem: RelaySubsystem,
		Help:      "Total bytes forwarded to the object store",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "uploads_in_flight",
		Namespace: Namespace,
		Subsystem: RelaySubsystem,
		Help:      "Number of uploads currently being relayed",
	})

	uploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "upload_duration_seconds",
		Namespace: Namespace,
		Subsystem: RelaySubsystem,
		Help:      "Duration of relayed uploads, by write mode",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"mode"})
)

func UploadModeLabel(resumable bool) string {
	if resumable {
		return "resumable"
	}
	return "single"
}

// UploadStarted records the start of an upload and returns the function
// observing its duration.
func UploadStarted(resumable bool) ObserveFunc {
	mode := UploadModeLabel(resumable)
	Uploads.WithLabelValues(mode).Inc()
	InFlight.Inc()
	pt := prometheus.NewTimer(uploadDuration.WithLabelValues(mode))
	return func() time.Duration {
		InFlight.Dec()
		return pt.ObserveDuration()
	}
}

func UploadFailed(kind string) {
	UploadFailures.WithLabelValues(kind).Inc()
}
