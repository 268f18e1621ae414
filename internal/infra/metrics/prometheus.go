package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvec_jobs_processed_total",
		Help: "Total number of extraction jobs processed, by status",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipvec_job_processing_duration_seconds",
		Help:    "Duration of the extraction pipeline, by stage",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	FramesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvec_frames_decoded_total",
		Help: "Total number of video frames decoded across all jobs",
	})

	ClipsEmbeddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvec_clips_embedded_total",
		Help: "Total number of clips turned into embeddings across all jobs",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipvec_active_workers",
		Help: "Number of workers currently running an extraction job",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvec_retry_total",
		Help: "Total number of job retries, by attempt",
	}, []string{"attempt"})
)
