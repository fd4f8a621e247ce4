package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
)

func (db *DB) GetVideoPrompt(ctx context.Context, id uuid.UUID) (*models.VideoPrompt, error) {
	query := `
		SELECT
			id, content_hash, master_prompt, style, mood_tags,
			target_duration_seconds, is_segmented, segment_count,
			usage_count, created_at, updated_at
		FROM video_prompts
		WHERE id = $1
	`

	prompt := &models.VideoPrompt{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&prompt.ID, &prompt.ContentHash, &prompt.MasterPrompt,
		&prompt.Style, &prompt.MoodTags, &prompt.TargetDuration,
		&prompt.IsSegmented, &prompt.SegmentCount, &prompt.UsageCount,
		&prompt.CreatedAt, &prompt.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video prompt not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video prompt: %w", err)
	}

	return prompt, nil
}

// GetVideoPromptByHash looks a prompt up by its content hash — the
// deduplication key for equivalent generated prompts.
func (db *DB) GetVideoPromptByHash(ctx context.Context, contentHash string) (*models.VideoPrompt, error) {
	query := `
		SELECT
			id, content_hash, master_prompt, style, mood_tags,
			target_duration_seconds, is_segmented, segment_count,
			usage_count, created_at, updated_at
		FROM video_prompts
		WHERE content_hash = $1
	`

	prompt := &models.VideoPrompt{}
	err := db.QueryRowContext(ctx, query, contentHash).Scan(
		&prompt.ID, &prompt.ContentHash, &prompt.MasterPrompt,
		&prompt.Style, &prompt.MoodTags, &prompt.TargetDuration,
		&prompt.IsSegmented, &prompt.SegmentCount, &prompt.UsageCount,
		&prompt.CreatedAt, &prompt.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video prompt by hash: %w", err)
	}

	return prompt, nil
}

// IncrementPromptUsage bumps the usage counter when a stored prompt is reused.
func (db *DB) IncrementPromptUsage(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE video_prompts SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`
	_, err := db.ExecContext(ctx, query, id)
	return err
}
