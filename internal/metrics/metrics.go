// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsClaimed counts jobs claimed per pipeline step
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_pipeline_jobs_claimed_total",
		Help: "Number of jobs claimed for processing, by step.",
	}, []string{"step"})

	// JobsProcessed counts resolved jobs per step and result
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_pipeline_jobs_processed_total",
		Help: "Number of claimed jobs resolved, by step and result.",
	}, []string{"step", "result"})

	// AnalyticsCollected counts analytics records written
	AnalyticsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiz_pipeline_analytics_collected_total",
		Help: "Number of analytics records collected.",
	})

	// AnalyticsErrors counts per-video collection failures that were skipped
	AnalyticsErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiz_pipeline_analytics_errors_total",
		Help: "Number of per-video analytics collection failures.",
	})

	// RefinementRuns counts completed refinement runs
	RefinementRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiz_pipeline_refinement_runs_total",
		Help: "Number of completed refinement runs.",
	})

	// ConfigUpdates counts committed persona configuration changes,
	// refinement-applied and manual
	ConfigUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiz_pipeline_persona_config_updates_total",
		Help: "Number of committed persona configuration updates.",
	})
)

// Result label values for JobsProcessed
const (
	ResultSuccess   = "success"
	ResultTransient = "transient_failure"
	ResultPermanent = "permanent_failure"
)

// Handler returns a gin handler serving the Prometheus metrics endpoint
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
