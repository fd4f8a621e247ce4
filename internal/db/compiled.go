package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
	"github.com/lib/pq"
)

// GetCompletedCompiledVideo returns the completed compiled video for a
// prompt, or nil when none exists. The worker calls this at the start of
// every job attempt — the cache-hit short-circuit.
func (db *DB) GetCompletedCompiledVideo(ctx context.Context, promptID uuid.UUID) (*models.CompiledVideo, error) {
	query := `
		SELECT
			id, video_prompt_id, video_url, thumbnail_url,
			duration_seconds, segments_used, status, created_at, updated_at
		FROM compiled_videos
		WHERE video_prompt_id = $1 AND status = $2
		LIMIT 1
	`

	cv := &models.CompiledVideo{}
	err := db.QueryRowContext(ctx, query, promptID, models.CompiledStatusCompleted).Scan(
		&cv.ID, &cv.VideoPromptID, &cv.VideoURL, &cv.ThumbnailURL,
		&cv.DurationSeconds, &cv.SegmentsUsed, &cv.Status,
		&cv.CreatedAt, &cv.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compiled video: %w", err)
	}

	return cv, nil
}

// CreateCompiledVideo persists a completed compiled video. A partial unique
// index on (video_prompt_id) WHERE status = 'completed' guards the race where
// two executions for the same prompt both reach this point: the loser gets a
// unique violation, and we return the winner's row instead of an error.
func (db *DB) CreateCompiledVideo(ctx context.Context, cv *models.CompiledVideo) (*models.CompiledVideo, error) {
	query := `
		INSERT INTO compiled_videos (
			id, video_prompt_id, video_url, thumbnail_url,
			duration_seconds, segments_used, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		cv.ID, cv.VideoPromptID, cv.VideoURL, cv.ThumbnailURL,
		cv.DurationSeconds, cv.SegmentsUsed, cv.Status,
	).Scan(&cv.CreatedAt, &cv.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the race — another execution already persisted a
			// completed compiled video for this prompt. Prefer theirs.
			existing, lookupErr := db.GetCompletedCompiledVideo(ctx, cv.VideoPromptID)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to load winning compiled video after conflict: %w", lookupErr)
			}
			if existing == nil {
				return nil, fmt.Errorf("compiled video conflict but no completed row found: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create compiled video: %w", err)
	}

	return cv, nil
}
