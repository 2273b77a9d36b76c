package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// Analytics dimensions that grouped queries may target. Grouping columns
// are taken from this fixed set, never from caller input.
const (
	GroupByFormat       = "format"
	GroupByTimingBucket = "timing_bucket"
	GroupByAudioTrack   = "audio_track"
)

var groupColumns = map[string]bool{
	GroupByFormat:       true,
	GroupByTimingBucket: true,
	GroupByAudioTrack:   true,
}

// InsertAnalyticsRecord appends one immutable performance row
func (s *Store) InsertAnalyticsRecord(ctx context.Context, rec *types.AnalyticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analytics_records
		 (id, published_id, account_id, persona, format, timing_bucket,
		  audio_track, views, watch_time_seconds, completion_rate, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PublishedID,
		rec.AccountID,
		rec.Persona,
		rec.Format,
		rec.TimingBucket,
		rec.AudioTrack,
		rec.Views,
		rec.WatchTimeSeconds,
		rec.CompletionRate,
		rec.CollectedAt.Unix(),
	)
	if err != nil {
		return storeErr("failed to insert analytics record", err)
	}

	return nil
}

// ListUnrecordedPublished returns completed jobs whose published video has
// no analytics record yet, optionally filtered by persona
func (s *Store) ListUnrecordedPublished(ctx context.Context, persona string) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectJobColumns + ` FROM jobs
		 WHERE phase = ? AND published_id != ''
		   AND published_id NOT IN (SELECT published_id FROM analytics_records)`
	args := []interface{}{string(types.PhaseCompleted)}

	if persona != "" {
		query += " AND persona = ?"
		args = append(args, persona)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("failed to query unrecorded published jobs", err)
	}
	defer closeRows(rows)

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("failed to scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating jobs", err)
	}

	return jobs, nil
}

// GroupedPerformance aggregates analytics records by one dimension,
// optionally filtered by account and persona. Results are ordered by key
// for stable output.
func (s *Store) GroupedPerformance(ctx context.Context, dimension, accountID, persona string) ([]types.GroupStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !groupColumns[dimension] {
		return nil, fmt.Errorf("unsupported grouping dimension: %s", dimension)
	}

	query := "SELECT " + dimension + `, COUNT(*), AVG(views), AVG(watch_time_seconds), AVG(completion_rate)
		 FROM analytics_records WHERE 1 = 1`
	args := []interface{}{}

	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	if persona != "" {
		query += " AND persona = ?"
		args = append(args, persona)
	}
	query += " GROUP BY " + dimension + " ORDER BY " + dimension

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("failed to query grouped performance", err)
	}
	defer closeRows(rows)

	var stats []types.GroupStat
	for rows.Next() {
		var g types.GroupStat
		if err := rows.Scan(&g.Key, &g.Count, &g.AvgViews, &g.AvgWatchTimeSeconds, &g.AvgCompletionRate); err != nil {
			return nil, storeErr("failed to scan group stat", err)
		}
		stats = append(stats, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating group stats", err)
	}

	return stats, nil
}

// PersonaGroup is one (persona, dimension value) aggregate
type PersonaGroup struct {
	Persona string
	Stat    types.GroupStat
}

// GroupedPerformanceByPersona aggregates analytics records by persona and
// one dimension in a single query, ordered by persona then key
func (s *Store) GroupedPerformanceByPersona(ctx context.Context, dimension string) ([]PersonaGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !groupColumns[dimension] {
		return nil, fmt.Errorf("unsupported grouping dimension: %s", dimension)
	}

	query := "SELECT persona, " + dimension + `, COUNT(*), AVG(views), AVG(watch_time_seconds), AVG(completion_rate)
		 FROM analytics_records
		 GROUP BY persona, ` + dimension + " ORDER BY persona, " + dimension

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("failed to query per-persona performance", err)
	}
	defer closeRows(rows)

	var groups []PersonaGroup
	for rows.Next() {
		var g PersonaGroup
		if err := rows.Scan(&g.Persona, &g.Stat.Key, &g.Stat.Count,
			&g.Stat.AvgViews, &g.Stat.AvgWatchTimeSeconds, &g.Stat.AvgCompletionRate); err != nil {
			return nil, storeErr("failed to scan persona group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating persona groups", err)
	}

	return groups, nil
}

// AccountSummaries returns a per-account rollup ordered by account id
func (s *Store) AccountSummaries(ctx context.Context) ([]types.AccountInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, COUNT(*), AVG(views), AVG(completion_rate)
		 FROM analytics_records GROUP BY account_id ORDER BY account_id`)
	if err != nil {
		return nil, storeErr("failed to query account summaries", err)
	}
	defer closeRows(rows)

	var insights []types.AccountInsight
	for rows.Next() {
		var in types.AccountInsight
		if err := rows.Scan(&in.AccountID, &in.Videos, &in.AvgViews, &in.AvgCompletionRate); err != nil {
			return nil, storeErr("failed to scan account summary", err)
		}
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating account summaries", err)
	}

	return insights, nil
}

// CountAnalyticsRecords returns the total number of analytics rows
func (s *Store) CountAnalyticsRecords(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analytics_records").Scan(&count)
	if err != nil {
		return 0, storeErr("failed to count analytics records", err)
	}

	return count, nil
}

// OverallPerformance returns the unfiltered performance averages
func (s *Store) OverallPerformance(ctx context.Context) (avgViews, avgWatch, avgCompletion float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(views), 0), COALESCE(AVG(watch_time_seconds), 0), COALESCE(AVG(completion_rate), 0)
		 FROM analytics_records`).Scan(&avgViews, &avgWatch, &avgCompletion)
	if err != nil {
		return 0, 0, 0, storeErr("failed to query overall performance", err)
	}

	return avgViews, avgWatch, avgCompletion, nil
}

// SaveRefinementReport appends a report row; prior reports are retained
// untouched for audit
func (s *Store) SaveRefinementReport(ctx context.Context, report *types.RefinementReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal refinement report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO refinement_reports (id, report_date, report_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		uuid.New().String(),
		report.ReportDate,
		string(payload),
		time.Now().UnixNano(),
	)
	if err != nil {
		return storeErr("failed to insert refinement report", err)
	}

	return nil
}

// GetLatestRefinementReport returns the most recently stored report
// without recomputing anything
func (s *Store) GetLatestRefinementReport(ctx context.Context) (*types.RefinementReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT report_json FROM refinement_reports ORDER BY created_at DESC, id LIMIT 1").Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refinement report: %w", ErrNotFound)
		}
		return nil, storeErr("failed to query refinement report", err)
	}

	report := &types.RefinementReport{}
	if err := json.Unmarshal([]byte(payload), report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refinement report: %w", err)
	}

	return report, nil
}
