package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
)

// GetPromptSegments returns a prompt's segments in ascending segment-number
// order — the compile order, regardless of insertion order.
func (db *DB) GetPromptSegments(ctx context.Context, promptID uuid.UUID) ([]models.VideoSegment, error) {
	query := `
		SELECT
			id, video_prompt_id, segment_number, prompt,
			target_duration_seconds, transition_out, status, retry_count,
			created_at, updated_at
		FROM video_segments
		WHERE video_prompt_id = $1
		ORDER BY segment_number
	`

	rows, err := db.QueryContext(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.VideoSegment
	for rows.Next() {
		var seg models.VideoSegment
		err := rows.Scan(
			&seg.ID, &seg.VideoPromptID, &seg.SegmentNumber, &seg.Prompt,
			&seg.TargetDuration, &seg.TransitionOut, &seg.Status,
			&seg.RetryCount, &seg.CreatedAt, &seg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}

	return segments, rows.Err()
}

func (db *DB) UpdateSegmentStatus(ctx context.Context, id uuid.UUID, status models.SegmentStatus) error {
	query := `UPDATE video_segments SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// MarkSegmentFailed sets the failed status and bumps the retry counter in one
// statement, so a crashed worker never loses the increment.
func (db *DB) MarkSegmentFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE video_segments
		SET status = $1, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := db.ExecContext(ctx, query, models.SegmentStatusFailed, id)
	return err
}
