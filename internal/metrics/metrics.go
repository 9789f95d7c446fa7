// Package metrics defines the Prometheus metrics exported by netrace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferredBytes counts the bytes of completed client transfers.
	TransferredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netrace_client_transferred_bytes_total",
			Help: "Bytes moved by completed client transfers.",
		},
		[]string{"direction"},
	)

	// TransferFailures counts failed client transfers.
	TransferFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netrace_client_transfer_failures_total",
			Help: "Number of failed client transfers.",
		},
		[]string{"direction"},
	)

	// PhaseSpeed is the distribution of computed phase speeds.
	PhaseSpeed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netrace_client_phase_speed_mbps",
			Help:    "Speed computed at the end of each phase or stage.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		},
		[]string{"phase"},
	)

	// ProbeRTT is the distribution of latency estimates.
	ProbeRTT = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netrace_client_probe_rtt_seconds",
			Help:    "Latency estimate produced by the prober.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"source"},
	)

	// TestsTotal counts client test runs by outcome.
	TestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netrace_client_tests_total",
			Help: "Number of test runs.",
		},
		[]string{"result"},
	)

	// ServedBytes counts the bytes served by the target server.
	ServedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netrace_server_bytes_total",
			Help: "Bytes sent or received by the target server.",
		},
		[]string{"protocol", "direction"},
	)

	// ServerRequests counts target server requests by outcome.
	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netrace_server_requests_total",
			Help: "Number of requests handled by the target server.",
		},
		[]string{"protocol", "direction", "result"},
	)
)
