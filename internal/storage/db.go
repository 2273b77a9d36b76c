package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// MaxRetries is the transient-failure ceiling: the failure that pushes a
// job's retry_count past this value marks the job terminally failed.
const MaxRetries = 3

// Sentinel errors returned by store operations
var (
	// ErrUnavailable indicates the underlying database could not serve the
	// operation; callers must not assume partial success
	ErrUnavailable = errors.New("job store unavailable")

	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional update matched no row (wrong
	// phase or stale version)
	ErrConflict = errors.New("conflicting state")
)

// Store provides SQLite-based persistence for jobs, persona configurations,
// analytics records and refinement reports
type Store struct {
	db         *sql.DB
	dbPath     string
	maxRetries int
	mu         sync.RWMutex
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:         db,
		dbPath:     dbPath,
		maxRetries: MaxRetries,
	}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized pipeline database")
	return store, nil
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // Ignore error - schema_version table may not exist yet

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

// storeErr wraps a database failure so callers can detect ErrUnavailable
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// CreateJob inserts a new job in pending phase at step 1
func (s *Store) CreateJob(ctx context.Context, persona, category, difficulty string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job := &types.Job{
		ID:         uuid.New().String(),
		Persona:    persona,
		Category:   category,
		Difficulty: difficulty,
		State:      types.JobState{Step: types.StepGenerate, Phase: types.PhasePending},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (id, persona, category, difficulty, step, phase, retry_count,
		  error_message, claim_token, published_id, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, '', '', '', ?, ?, NULL)`,
		job.ID,
		job.Persona,
		job.Category,
		job.Difficulty,
		job.State.Step,
		string(job.State.Phase),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return nil, storeErr("failed to insert job", err)
	}

	return job, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectJobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, storeErr("failed to query job", err)
	}

	return job, nil
}

// ClaimPendingJobs atomically transitions up to limit pending jobs at the
// given step into processing and returns the claimed set. The claim is a
// single conditional UPDATE stamping a fresh token, so two concurrent
// callers can never claim the same job.
func (s *Store) ClaimPendingJobs(ctx context.Context, step, limit int) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	token := uuid.New().String()
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET phase = ?, claim_token = ?, updated_at = ?
		 WHERE phase = ? AND step = ? AND id IN (
		     SELECT id FROM jobs
		     WHERE phase = ? AND step = ?
		     ORDER BY created_at, id
		     LIMIT ?
		 )`,
		string(types.PhaseProcessing),
		token,
		now,
		string(types.PhasePending),
		step,
		string(types.PhasePending),
		step,
		limit,
	)
	if err != nil {
		return nil, storeErr("failed to claim jobs", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectJobColumns+" FROM jobs WHERE claim_token = ? ORDER BY created_at, id", token)
	if err != nil {
		return nil, storeErr("failed to query claimed jobs", err)
	}
	defer closeRows(rows)

	var claimed []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("failed to scan claimed job", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating claimed jobs", err)
	}

	return claimed, nil
}

// MarkStepSuccess resolves a processing job: steps 1-3 advance to the next
// step's pending phase, step 4 completes the job. publishedID is recorded
// when non-empty (set by the publish step).
func (s *Store) MarkStepSuccess(ctx context.Context, id, publishedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	// SQLite evaluates all SET expressions against the pre-update row, so
	// the CASE arms see a consistent step value.
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET phase = CASE WHEN step < ? THEN ? ELSE ? END,
		     step = CASE WHEN step < ? THEN step + 1 ELSE step END,
		     completed_at = CASE WHEN step < ? THEN NULL ELSE ? END,
		     published_id = CASE WHEN ? != '' THEN ? ELSE published_id END,
		     error_message = '',
		     claim_token = '',
		     updated_at = ?
		 WHERE id = ? AND phase = ?`,
		types.StepCount, string(types.PhasePending), string(types.PhaseCompleted),
		types.StepCount,
		types.StepCount, now,
		publishedID, publishedID,
		now,
		id, string(types.PhaseProcessing),
	)
	if err != nil {
		return storeErr("failed to mark step success", err)
	}

	return requireOneRow(result, id)
}

// MarkStepFailure records a transient failure: retry_count increments and
// the job returns to pending at the same step, unless the retry ceiling is
// exceeded, in which case the job terminally fails.
func (s *Store) MarkStepFailure(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET retry_count = retry_count + 1,
		     phase = CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END,
		     completed_at = CASE WHEN retry_count + 1 > ? THEN ? ELSE NULL END,
		     error_message = ?,
		     claim_token = '',
		     updated_at = ?
		 WHERE id = ? AND phase = ?`,
		s.maxRetries, string(types.PhaseFailed), string(types.PhasePending),
		s.maxRetries, now,
		message,
		now,
		id, string(types.PhaseProcessing),
	)
	if err != nil {
		return storeErr("failed to mark step failure", err)
	}

	return requireOneRow(result, id)
}

// MarkStepTerminal records a permanent failure, bypassing the retry cycle
func (s *Store) MarkStepTerminal(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET phase = ?, error_message = ?, claim_token = '',
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND phase = ?`,
		string(types.PhaseFailed),
		message,
		now,
		now,
		id, string(types.PhaseProcessing),
	)
	if err != nil {
		return storeErr("failed to mark step terminal", err)
	}

	return requireOneRow(result, id)
}

// RequeueStaleJobs returns jobs stuck in processing longer than olderThan
// to pending at their current step. Operator-invoked recovery only; the
// driver never calls this.
func (s *Store) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan).Unix()

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET phase = ?, claim_token = '', updated_at = ?
		 WHERE phase = ? AND updated_at < ?`,
		string(types.PhasePending),
		now.Unix(),
		string(types.PhaseProcessing),
		cutoff,
	)
	if err != nil {
		return 0, storeErr("failed to requeue stale jobs", err)
	}

	requeued, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("failed to get affected rows", err)
	}

	if requeued > 0 {
		logrus.WithField("requeued_count", requeued).Warn("Requeued stale processing jobs")
	}

	return requeued, nil
}

// GetStats returns the phase breakdown of all jobs
func (s *Store) GetStats(ctx context.Context) (*types.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT phase, COUNT(*) FROM jobs GROUP BY phase")
	if err != nil {
		return nil, storeErr("failed to query job stats", err)
	}
	defer closeRows(rows)

	stats := &types.JobStats{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, storeErr("failed to scan job stats", err)
		}

		stats.Total += count
		switch types.JobPhase(phase) {
		case types.PhasePending:
			stats.Pending += count
		case types.PhaseProcessing:
			stats.Processing += count
		case types.PhaseCompleted:
			stats.Completed += count
		case types.PhaseFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating job stats", err)
	}

	return stats, nil
}

// GetRecentJobs retrieves the n most recently updated jobs
func (s *Store) GetRecentJobs(ctx context.Context, n int) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 20
	}
	if n > 1000 {
		n = 1000 // Cap limit to prevent excessive queries
	}

	rows, err := s.db.QueryContext(ctx,
		selectJobColumns+" FROM jobs ORDER BY updated_at DESC, id LIMIT ?", n)
	if err != nil {
		return nil, storeErr("failed to query recent jobs", err)
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

// DeleteAllJobs removes every job and returns the exact count deleted.
// Irreversible; gated at the API layer like the trigger endpoints.
func (s *Store) DeleteAllJobs(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs")
	if err != nil {
		return 0, storeErr("failed to delete jobs", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("failed to get affected rows", err)
	}

	logrus.WithField("deleted_count", deleted).Warn("Deleted all job records")
	return deleted, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// Helper functions

const selectJobColumns = `SELECT id, persona, category, difficulty, step, phase,
	retry_count, error_message, published_id, created_at, updated_at, completed_at`

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	job := &types.Job{}
	var phase string
	var createdAtUnix, updatedAtUnix int64
	var completedAtUnix *int64

	if err := row.Scan(
		&job.ID,
		&job.Persona,
		&job.Category,
		&job.Difficulty,
		&job.State.Step,
		&phase,
		&job.RetryCount,
		&job.ErrorMessage,
		&job.PublishedID,
		&createdAtUnix,
		&updatedAtUnix,
		&completedAtUnix,
	); err != nil {
		return nil, err
	}

	job.State.Phase = types.JobPhase(phase)
	job.CreatedAt = time.Unix(createdAtUnix, 0)
	job.UpdatedAt = time.Unix(updatedAtUnix, 0)
	if completedAtUnix != nil {
		t := time.Unix(*completedAtUnix, 0)
		job.CompletedAt = &t
	}

	return job, nil
}

func requireOneRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to get affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s is not in processing: %w", id, ErrConflict)
	}
	return nil
}

func closeRows(rows *sql.Rows) {
	if closeErr := rows.Close(); closeErr != nil {
		logrus.WithError(closeErr).Warn("Failed to close database rows")
	}
}
