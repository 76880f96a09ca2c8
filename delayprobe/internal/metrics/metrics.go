package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "delayprobe"

	// Probe results.
	ResultMeasured = "measured"
	ResultErrored  = "errored"
	ResultTimeout  = "timeout"
	ResultInvalid  = "invalid"

	// Batch modes.
	ModeDirect  = "direct"
	ModeChunked = "chunked"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: Namespace + "_build_info",
			Help: "Build information of the delay prober",
		},
		[]string{"version", "commit", "date"},
	)

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Namespace + "_probes_total",
		Help: "Total number of node probes by result",
	}, []string{"result"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    Namespace + "_probe_duration_seconds",
		Help:    "Duration of node probes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms .. ~10s
	})

	ProbesInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: Namespace + "_probes_inflight",
		Help: "Number of node probes currently in flight",
	})

	SchedulerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: Namespace + "_scheduler_panics_total",
		Help: "Total number of probe panics recovered by the scheduler",
	})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Namespace + "_batches_total",
		Help: "Total number of probe batches by mode",
	}, []string{"mode"})

	ChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: Namespace + "_chunks_total",
		Help: "Total number of chunks run for large batches",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Namespace + "_global_test_sessions_total",
		Help: "Total number of global test sessions by outcome",
	}, []string{"outcome"})

	SessionProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: Namespace + "_global_test_progress",
		Help: "Progress of the current global test session",
	}, []string{"kind"})

	FreezesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: Namespace + "_freezes_detected_total",
		Help: "Total number of frozen global test sessions detected",
	})

	ForcedRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: Namespace + "_forced_recoveries_total",
		Help: "Total number of forced global test resets",
	})

	RecorderWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Namespace + "_recorder_writes_total",
		Help: "Total number of probe results exported to the time series store",
	}, []string{"result"})
)
