package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "annot_http_requests_total",
		Help: "Total number of HTTP requests, by route and status",
	}, []string{"route", "method", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "annot_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"route"})

	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "annot_predictions_total",
		Help: "Total number of prompts sent to the segmentation model, by prompt type and error kind",
	}, []string{"prompt", "result"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "annot_stage_duration_seconds",
		Help:    "Duration of the pipeline stages",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "annot_frames_extracted_total",
		Help: "Total number of frames extracted across all uploads",
	})

	MasksPropagatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "annot_masks_propagated_total",
		Help: "Total number of masks received from propagation runs",
	})

	FramesAssembledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "annot_frames_assembled_total",
		Help: "Total number of frames written into annotated videos",
	})

	FramesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "annot_frames_skipped_total",
		Help: "Total number of unreadable frames skipped while assembling videos",
	})

	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "annot_session_state",
		Help: "Current annotation session state (0 uninitialized, 1 initializing, 2 ready, 3 predicting, 4 propagating)",
	})
)

// ObserveStage records the time elapsed since start for stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by their route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
