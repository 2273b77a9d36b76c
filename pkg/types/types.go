package types

import "time"

// JobPhase represents the processing phase of a job within its current step
type JobPhase string

const (
	PhasePending    JobPhase = "pending"
	PhaseProcessing JobPhase = "processing"
	PhaseCompleted  JobPhase = "completed"
	PhaseFailed     JobPhase = "failed"
)

// Pipeline steps, in execution order
const (
	StepGenerate = 1
	StepRender   = 2
	StepAssemble = 3
	StepPublish  = 4

	StepCount = 4
)

// JobState is the structured pipeline state of a job: which step owns it
// and which phase it is in. Step only ever increases; Completed and Failed
// are terminal.
type JobState struct {
	Step  int      `json:"step"`
	Phase JobPhase `json:"phase"`
}

// Terminal reports whether no further transitions are possible
func (s JobState) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

// Job represents a quiz video production job
type Job struct {
	ID           string     `json:"id"`
	Persona      string     `json:"persona"`
	Category     string     `json:"category"`
	Difficulty   string     `json:"difficulty"`
	State        JobState   `json:"state"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PublishedID  string     `json:"published_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CreateJobRequest represents a request to enqueue a new pipeline job
type CreateJobRequest struct {
	Persona    string `json:"persona" binding:"required"`
	Category   string `json:"category" binding:"required"`
	Difficulty string `json:"difficulty" binding:"required,oneof=easy medium hard"`
}

// Provenance values for persona configuration changes
const (
	UpdatedByManual     = "manual"
	UpdatedByRefinement = "refinement"
)

// UpdatePersonaConfigRequest is a manual override of a persona's
// configuration, conditional on the version the caller read
type UpdatePersonaConfigRequest struct {
	Format        string `json:"format" binding:"required"`
	TimingProfile string `json:"timing_profile" binding:"required"`
	AudioTrack    string `json:"audio_track" binding:"required"`
	Version       int    `json:"version" binding:"required"`
}

// PersonaConfig holds the generation preferences for a persona. It is read
// by the generation step and mutated only by the refinement engine or a
// manual override. Version increments on every committed change.
type PersonaConfig struct {
	Persona       string    `json:"persona"`
	Format        string    `json:"format"`
	TimingProfile string    `json:"timing_profile"`
	AudioTrack    string    `json:"audio_track"`
	Version       int       `json:"version"`
	UpdatedBy     string    `json:"updated_by"`
	LastUpdated   time.Time `json:"last_updated"`
}

// AnalyticsRecord is one immutable row of performance data for a published
// video. Superseding values are appended with a later CollectedAt, never
// overwritten in place.
type AnalyticsRecord struct {
	ID               string    `json:"id"`
	PublishedID      string    `json:"published_id"`
	AccountID        string    `json:"account_id"`
	Persona          string    `json:"persona"`
	Format           string    `json:"format"`
	TimingBucket     string    `json:"timing_bucket"`
	AudioTrack       string    `json:"audio_track"`
	Views            int64     `json:"views"`
	WatchTimeSeconds float64   `json:"watch_time_seconds"`
	CompletionRate   float64   `json:"completion_rate"`
	CollectedAt      time.Time `json:"collected_at"`
}

// PerformanceMetrics is the payload returned by the external metrics
// collaborator for one published video
type PerformanceMetrics struct {
	PublishedID      string  `json:"published_id"`
	AccountID        string  `json:"account_id"`
	Format           string  `json:"format"`
	TimingBucket     string  `json:"timing_bucket"`
	AudioTrack       string  `json:"audio_track"`
	Views            int64   `json:"views"`
	WatchTimeSeconds float64 `json:"watch_time_seconds"`
	CompletionRate   float64 `json:"completion_rate"`
}

// QuizQuestion is a single generated question
type QuizQuestion struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
	Answer  int      `json:"answer"`
}

// QuizContent is the artifact produced by the generation step
type QuizContent struct {
	JobID      string         `json:"job_id"`
	Persona    string         `json:"persona"`
	Category   string         `json:"category"`
	Difficulty string         `json:"difficulty"`
	Format     string         `json:"format"`
	Questions  []QuizQuestion `json:"questions"`
}

// FrameSet is the artifact produced by the rendering step
type FrameSet struct {
	JobID     string   `json:"job_id"`
	FrameKeys []string `json:"frame_keys"`
}

// VideoArtifact is the artifact produced by the assembly step
type VideoArtifact struct {
	JobID           string  `json:"job_id"`
	ObjectKey       string  `json:"object_key"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PublishMetadata accompanies a video upload
type PublishMetadata struct {
	Title      string `json:"title"`
	Persona    string `json:"persona"`
	Category   string `json:"category"`
	AudioTrack string `json:"audio_track,omitempty"`
}

// JobStats is the phase breakdown of all jobs in the store
type JobStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StepStats summarizes one pipeline trigger invocation
type StepStats struct {
	Step              int `json:"step"`
	Claimed           int `json:"claimed"`
	Succeeded         int `json:"succeeded"`
	TransientFailures int `json:"transient_failures"`
	PermanentFailures int `json:"permanent_failures"`
}

// CollectStats summarizes one analytics collection run. Errors counts
// per-video failures that were skipped, not a whole-batch failure.
type CollectStats struct {
	Collected int `json:"collected"`
	Errors    int `json:"errors"`
}

// GroupStat is the aggregate performance of one dimension value
type GroupStat struct {
	Key                 string  `json:"key"`
	Count               int     `json:"count"`
	AvgViews            float64 `json:"avg_views"`
	AvgWatchTimeSeconds float64 `json:"avg_watch_time_seconds"`
	AvgCompletionRate   float64 `json:"avg_completion_rate"`
	LowConfidence       bool    `json:"low_confidence"`
}

// AnalyticsSummary is the top-level rollup across all dimensions
type AnalyticsSummary struct {
	TotalRecords        int         `json:"total_records"`
	Accounts            int         `json:"accounts"`
	AvgViews            float64     `json:"avg_views"`
	AvgWatchTimeSeconds float64     `json:"avg_watch_time_seconds"`
	AvgCompletionRate   float64     `json:"avg_completion_rate"`
	ByFormat            []GroupStat `json:"by_format"`
	ByTiming            []GroupStat `json:"by_timing"`
	ByAudio             []GroupStat `json:"by_audio"`
}

// Persona configuration dimensions a recommendation can target
const (
	DimensionFormat        = "format"
	DimensionTimingProfile = "timing_profile"
	DimensionAudioTrack    = "audio_track"
)

// Recommendation is a proposed change to one persona configuration
// dimension. Derived purely from aggregated analytics so that repeated
// refinement runs over unchanged data produce identical output.
type Recommendation struct {
	Persona     string  `json:"persona"`
	Dimension   string  `json:"dimension"`
	Suggested   string  `json:"suggested"`
	Delta       float64 `json:"delta"`
	SampleCount int     `json:"sample_count"`
	Accepted    bool    `json:"accepted"`
	Reason      string  `json:"reason,omitempty"`
}

// AccountInsight is the per-account breakdown within a refinement report
type AccountInsight struct {
	AccountID         string  `json:"account_id"`
	Videos            int     `json:"videos"`
	AvgViews          float64 `json:"avg_views"`
	AvgCompletionRate float64 `json:"avg_completion_rate"`
	TopFormat         string  `json:"top_format,omitempty"`
	TopAudioTrack     string  `json:"top_audio_track,omitempty"`
}

// GlobalInsights is the cross-account portion of a refinement report
type GlobalInsights struct {
	RecommendedImprovements []string `json:"recommended_improvements"`
}

// RefinementReport is generated fresh on each refinement run and retained
// for audit; prior reports are never mutated
type RefinementReport struct {
	ReportDate      string           `json:"report_date"`
	AccountInsights []AccountInsight `json:"account_insights"`
	GlobalInsights  GlobalInsights   `json:"global_insights"`
	Recommendations []Recommendation `json:"recommendations"`
}

// AppliedSummary counts the effect of applying a refinement run
type AppliedSummary struct {
	Updated         int `json:"updated"`
	Recommendations int `json:"recommendations"`
}

// RefinementResult is the outcome of one refinement run
type RefinementResult struct {
	Applied AppliedSummary    `json:"applied"`
	Report  *RefinementReport `json:"report"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
