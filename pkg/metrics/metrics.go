// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lob"

var (
	// EngineCommands counts commands issued to engines, by command.
	EngineCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_commands_total",
		Help:      "Engine commands issued by session controllers.",
	}, []string{"command", "result"})

	// SessionsActive tracks live console sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Console sessions currently registered.",
	})

	// DownloadsCompleted counts sessions whose assets finished downloading.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_completed_total",
		Help:      "Sessions that finished downloading engine assets.",
	})

	// DownloadErrors counts asset download failures reported by engines.
	DownloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_errors_total",
		Help:      "Asset download failures reported by engines.",
	})

	// SnapshotOperations counts save and restore workflows by outcome.
	SnapshotOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_operations_total",
		Help:      "Snapshot save and restore operations.",
	}, []string{"operation", "result"})

	// SnapshotBytes observes raw snapshot sizes.
	SnapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_size_bytes",
		Help:      "Raw machine state size of saved and restored snapshots.",
		Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
	})

	// CaptureRequests counts full-screen and pointer-lock requests.
	CaptureRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_requests_total",
		Help:      "Capture primitive invocations by kind and outcome.",
	}, []string{"kind", "result"})
)

// Result label values
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultUnsupported = "unsupported"
)

// Outcome maps an error to a result label.
func Outcome(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
