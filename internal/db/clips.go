package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
)

func (db *DB) CreateGeneratedClip(ctx context.Context, clip *models.GeneratedVideoClip) error {
	query := `
		INSERT INTO generated_video_clips (
			id, video_segment_id, video_url, thumbnail_url,
			duration_seconds, generation_job_id, generation_params, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		clip.ID, clip.VideoSegmentID, clip.VideoURL, clip.ThumbnailURL,
		clip.DurationSeconds, clip.GenerationJobID, clip.GenerationParams,
		clip.Status,
	).Scan(&clip.CreatedAt, &clip.UpdatedAt)
}

// GetLatestCompletedClip returns the most recent completed clip for a
// segment, or nil when the segment has never completed. This is the lookup
// behind segment-level idempotence: a segment with a completed clip is
// never regenerated.
func (db *DB) GetLatestCompletedClip(ctx context.Context, segmentID uuid.UUID) (*models.GeneratedVideoClip, error) {
	query := `
		SELECT
			id, video_segment_id, video_url, thumbnail_url,
			duration_seconds, generation_job_id, generation_params, status,
			created_at, updated_at
		FROM generated_video_clips
		WHERE video_segment_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	clip := &models.GeneratedVideoClip{}
	err := db.QueryRowContext(ctx, query, segmentID, models.ClipStatusCompleted).Scan(
		&clip.ID, &clip.VideoSegmentID, &clip.VideoURL, &clip.ThumbnailURL,
		&clip.DurationSeconds, &clip.GenerationJobID, &clip.GenerationParams,
		&clip.Status, &clip.CreatedAt, &clip.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest completed clip: %w", err)
	}

	return clip, nil
}

func (db *DB) GetSegmentClips(ctx context.Context, segmentID uuid.UUID) ([]models.GeneratedVideoClip, error) {
	query := `
		SELECT
			id, video_segment_id, video_url, thumbnail_url,
			duration_seconds, generation_job_id, generation_params, status,
			created_at, updated_at
		FROM generated_video_clips
		WHERE video_segment_id = $1
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var clips []models.GeneratedVideoClip
	for rows.Next() {
		var clip models.GeneratedVideoClip
		err := rows.Scan(
			&clip.ID, &clip.VideoSegmentID, &clip.VideoURL, &clip.ThumbnailURL,
			&clip.DurationSeconds, &clip.GenerationJobID, &clip.GenerationParams,
			&clip.Status, &clip.CreatedAt, &clip.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, clip)
	}

	return clips, rows.Err()
}
