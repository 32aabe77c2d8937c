package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent channel

	AgentSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agent_sessions",
			Help: "Number of live outbound agent sessions",
		},
	)

	AgentConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_connect_attempts_total",
			Help: "Total number of outbound agent connect attempts",
		},
		[]string{"result"},
	)

	AgentFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_frames_total",
			Help: "Total number of inbound agent frames by type",
		},
		[]string{"type"},
	)

	// Artifacts

	ArtifactDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_artifact_downloads_total",
			Help: "Total number of artifact source downloads",
		},
		[]string{"source_type", "result"},
	)

	BundleBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_bundle_build_duration_seconds",
			Help:    "Install bundle streaming duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"format"},
	)

	// Console

	ConsoleClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_console_clients",
			Help: "Number of attached operator consoles",
		},
	)
)

func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
