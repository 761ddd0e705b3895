// Package metrics exposes bridge counters on the Prometheus default
// registry; the server mounts them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_active_sessions",
		Help: "Number of sessions currently bridging audio",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_sessions_total",
		Help: "Total sessions accepted",
	})
	UpstreamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_upstream_failures_total",
		Help: "Sessions that never reached the agent, by failure kind",
	}, []string{"kind"})

	BytesFromClientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_bytes_from_client_total",
		Help: "PCMU bytes received from clients",
	})
	BytesToClientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_bytes_to_client_total",
		Help: "PCMU bytes sent to clients",
	})
	ConversionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_conversions_total",
		Help: "Audio frames run through the transform pipeline",
	})
	TransformErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_transform_errors_total",
		Help: "Malformed audio frames dropped",
	})
	SilentFramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_silent_frames_dropped_total",
		Help: "Uniformly-silent PCMU frames suppressed before send",
	})
)
