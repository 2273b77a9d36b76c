package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// Default persona configuration values used when a persona is first seen
const (
	DefaultFormat        = "standard"
	DefaultTimingProfile = "steady"
	DefaultAudioTrack    = "default"
)

// EnsurePersonaConfig returns the configuration for a persona, creating a
// default row if none exists yet
func (s *Store) EnsurePersonaConfig(ctx context.Context, persona string) (*types.PersonaConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO persona_configs
		 (persona, format, timing_profile, audio_track, version, updated_by, last_updated)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		persona,
		DefaultFormat,
		DefaultTimingProfile,
		DefaultAudioTrack,
		types.UpdatedByManual,
		time.Now().Unix(),
	)
	if err != nil {
		return nil, storeErr("failed to ensure persona config", err)
	}

	return s.getPersonaConfig(ctx, persona)
}

// GetPersonaConfig retrieves the configuration for a persona
func (s *Store) GetPersonaConfig(ctx context.Context, persona string) (*types.PersonaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getPersonaConfig(ctx, persona)
}

func (s *Store) getPersonaConfig(ctx context.Context, persona string) (*types.PersonaConfig, error) {
	cfg := &types.PersonaConfig{}
	var lastUpdatedUnix int64

	err := s.db.QueryRowContext(ctx,
		`SELECT persona, format, timing_profile, audio_track, version, updated_by, last_updated
		 FROM persona_configs WHERE persona = ?`,
		persona,
	).Scan(
		&cfg.Persona,
		&cfg.Format,
		&cfg.TimingProfile,
		&cfg.AudioTrack,
		&cfg.Version,
		&cfg.UpdatedBy,
		&lastUpdatedUnix,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("persona config %s: %w", persona, ErrNotFound)
		}
		return nil, storeErr("failed to query persona config", err)
	}

	cfg.LastUpdated = time.Unix(lastUpdatedUnix, 0)
	return cfg, nil
}

// ListPersonaConfigs retrieves all persona configurations ordered by
// persona name
func (s *Store) ListPersonaConfigs(ctx context.Context) ([]*types.PersonaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT persona, format, timing_profile, audio_track, version, updated_by, last_updated
		 FROM persona_configs ORDER BY persona`)
	if err != nil {
		return nil, storeErr("failed to query persona configs", err)
	}
	defer closeRows(rows)

	var configs []*types.PersonaConfig
	for rows.Next() {
		cfg := &types.PersonaConfig{}
		var lastUpdatedUnix int64
		if err := rows.Scan(
			&cfg.Persona,
			&cfg.Format,
			&cfg.TimingProfile,
			&cfg.AudioTrack,
			&cfg.Version,
			&cfg.UpdatedBy,
			&lastUpdatedUnix,
		); err != nil {
			return nil, storeErr("failed to scan persona config", err)
		}
		cfg.LastUpdated = time.Unix(lastUpdatedUnix, 0)
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating persona configs", err)
	}

	return configs, nil
}

// UpdatePersonaConfig commits new preference values conditionally on the
// version the caller read. A stale version returns ErrConflict; readers of
// the config never block on this write path.
func (s *Store) UpdatePersonaConfig(ctx context.Context, cfg *types.PersonaConfig, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE persona_configs
		 SET format = ?, timing_profile = ?, audio_track = ?,
		     version = version + 1, updated_by = ?, last_updated = ?
		 WHERE persona = ? AND version = ?`,
		cfg.Format,
		cfg.TimingProfile,
		cfg.AudioTrack,
		updatedBy,
		time.Now().Unix(),
		cfg.Persona,
		cfg.Version,
	)
	if err != nil {
		return storeErr("failed to update persona config", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to get affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("persona config %s version %d: %w", cfg.Persona, cfg.Version, ErrConflict)
	}

	return nil
}
