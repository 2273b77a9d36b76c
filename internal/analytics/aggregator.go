// Package analytics ingests per-video performance data and serves grouped
// read queries over it.
package analytics

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quizfeed/quiz-pipeline/internal/metrics"
	"github.com/quizfeed/quiz-pipeline/internal/retry"
	"github.com/quizfeed/quiz-pipeline/internal/storage"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// MinSampleCount is the confidence threshold: dimension groups with fewer
// samples are flagged low-confidence and excluded from recommendation
// generation.
const MinSampleCount = 5

// PerformanceFetcher is the external metrics collaborator
type PerformanceFetcher interface {
	FetchPerformance(ctx context.Context, publishedID string) (*types.PerformanceMetrics, error)
}

// Aggregator collects raw performance data and answers grouped queries
type Aggregator struct {
	store   *storage.Store
	fetcher PerformanceFetcher
}

// NewAggregator creates an aggregator over the store and metrics collaborator
func NewAggregator(store *storage.Store, fetcher PerformanceFetcher) *Aggregator {
	return &Aggregator{store: store, fetcher: fetcher}
}

// Collect fetches performance data for published videos that have no
// analytics record yet and appends one record per video. Individual video
// failures are counted and skipped; the batch never aborts on one bad item.
func (a *Aggregator) Collect(ctx context.Context, accountID, persona string) (*types.CollectStats, error) {
	jobs, err := a.store.ListUnrecordedPublished(ctx, persona)
	if err != nil {
		return nil, fmt.Errorf("failed to list unrecorded videos: %w", err)
	}

	stats := &types.CollectStats{}
	retryCfg := retry.DefaultConfig()

	for _, job := range jobs {
		var perf *types.PerformanceMetrics
		err := retry.WithRetry(ctx, retryCfg, func() error {
			var fetchErr error
			perf, fetchErr = a.fetcher.FetchPerformance(ctx, job.PublishedID)
			return fetchErr
		})
		if err != nil {
			stats.Errors++
			metrics.AnalyticsErrors.Inc()
			logrus.WithFields(logrus.Fields{
				"job_id":       job.ID,
				"published_id": job.PublishedID,
			}).WithError(err).Warn("Failed to fetch performance data")
			continue
		}

		if accountID != "" && perf.AccountID != accountID {
			continue
		}

		rec := &types.AnalyticsRecord{
			PublishedID:      job.PublishedID,
			AccountID:        perf.AccountID,
			Persona:          job.Persona,
			Format:           perf.Format,
			TimingBucket:     perf.TimingBucket,
			AudioTrack:       perf.AudioTrack,
			Views:            perf.Views,
			WatchTimeSeconds: perf.WatchTimeSeconds,
			CompletionRate:   perf.CompletionRate,
		}
		if err := a.store.InsertAnalyticsRecord(ctx, rec); err != nil {
			stats.Errors++
			metrics.AnalyticsErrors.Inc()
			logrus.WithField("published_id", job.PublishedID).WithError(err).Warn("Failed to record performance data")
			continue
		}

		stats.Collected++
		metrics.AnalyticsCollected.Inc()
	}

	logrus.WithFields(logrus.Fields{
		"collected": stats.Collected,
		"errors":    stats.Errors,
	}).Info("Analytics collection finished")

	return stats, nil
}

// GetAudioAnalytics returns performance grouped by audio track
func (a *Aggregator) GetAudioAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error) {
	return a.grouped(ctx, storage.GroupByAudioTrack, accountID, persona)
}

// GetFormatAnalytics returns performance grouped by format
func (a *Aggregator) GetFormatAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error) {
	return a.grouped(ctx, storage.GroupByFormat, accountID, persona)
}

// GetTimingAnalytics returns performance grouped by timing bucket
func (a *Aggregator) GetTimingAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error) {
	return a.grouped(ctx, storage.GroupByTimingBucket, accountID, persona)
}

func (a *Aggregator) grouped(ctx context.Context, dimension, accountID, persona string) ([]types.GroupStat, error) {
	stats, err := a.store.GroupedPerformance(ctx, dimension, accountID, persona)
	if err != nil {
		return nil, err
	}

	for i := range stats {
		stats[i].LowConfidence = stats[i].Count < MinSampleCount
	}

	return stats, nil
}

// GetAnalyticsSummary returns the top-level rollup across all dimensions
func (a *Aggregator) GetAnalyticsSummary(ctx context.Context, accountID, persona string) (*types.AnalyticsSummary, error) {
	summary := &types.AnalyticsSummary{}

	total, err := a.store.CountAnalyticsRecords(ctx)
	if err != nil {
		return nil, err
	}
	summary.TotalRecords = total

	accounts, err := a.store.AccountSummaries(ctx)
	if err != nil {
		return nil, err
	}
	summary.Accounts = len(accounts)

	summary.AvgViews, summary.AvgWatchTimeSeconds, summary.AvgCompletionRate, err = a.store.OverallPerformance(ctx)
	if err != nil {
		return nil, err
	}

	if summary.ByFormat, err = a.grouped(ctx, storage.GroupByFormat, accountID, persona); err != nil {
		return nil, err
	}
	if summary.ByTiming, err = a.grouped(ctx, storage.GroupByTimingBucket, accountID, persona); err != nil {
		return nil, err
	}
	if summary.ByAudio, err = a.grouped(ctx, storage.GroupByAudioTrack, accountID, persona); err != nil {
		return nil, err
	}

	return summary, nil
}
