package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Enums
type SegmentStatus string

const (
	SegmentStatusPending    SegmentStatus = "pending"
	SegmentStatusGenerating SegmentStatus = "generating"
	SegmentStatusCompleted  SegmentStatus = "completed"
	SegmentStatusFailed     SegmentStatus = "failed"
)

type ClipStatus string

const (
	ClipStatusGenerating ClipStatus = "generating"
	ClipStatusCompleted  ClipStatus = "completed"
	ClipStatusFailed     ClipStatus = "failed"
)

type CompiledStatus string

const (
	CompiledStatusCompiling CompiledStatus = "compiling"
	CompiledStatusCompleted CompiledStatus = "completed"
	CompiledStatusFailed    CompiledStatus = "failed"
)

// JobStatus is the queue-level status exposed through the status contract.
type JobStatus string

const (
	JobStatusNotFound  JobStatus = "not_found"
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// VideoPrompt is the unit of work: a stored master description of a video,
// owning an ordered collection of segments and any compiled attempts.
// Deduplicated by content hash; usage_count increments on reuse.
type VideoPrompt struct {
	ID             uuid.UUID `json:"id"`
	ContentHash    string    `json:"content_hash"`
	MasterPrompt   string    `json:"master_prompt"`
	Style          *string   `json:"style,omitempty"`
	MoodTags       JSONB     `json:"mood_tags,omitempty"`
	TargetDuration int       `json:"target_duration_seconds"`
	IsSegmented    bool      `json:"is_segmented"`
	SegmentCount   int       `json:"segment_count"`
	UsageCount     int       `json:"usage_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VideoSegment is one planned clip within a prompt. Segment numbers are
// 1-based, unique and contiguous per prompt, and define compile order.
type VideoSegment struct {
	ID             uuid.UUID     `json:"id"`
	VideoPromptID  uuid.UUID     `json:"video_prompt_id"`
	SegmentNumber  int           `json:"segment_number"`
	Prompt         string        `json:"prompt"`
	TargetDuration int           `json:"target_duration_seconds"`
	TransitionOut  *string       `json:"transition_out,omitempty"`
	Status         SegmentStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// GeneratedVideoClip is one concrete rendering attempt for a segment.
// Multiple clips may exist per segment across retries; the most recent
// completed one is authoritative. Immutable once completed.
type GeneratedVideoClip struct {
	ID               uuid.UUID  `json:"id"`
	VideoSegmentID   uuid.UUID  `json:"video_segment_id"`
	VideoURL         *string    `json:"video_url,omitempty"`
	ThumbnailURL     *string    `json:"thumbnail_url,omitempty"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	GenerationJobID  *string    `json:"generation_job_id,omitempty"`
	GenerationParams JSONB      `json:"generation_params,omitempty"`
	Status           ClipStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CompiledVideo is the terminal artifact for a prompt. At most one completed
// row exists per prompt, enforced by a partial unique index.
type CompiledVideo struct {
	ID              uuid.UUID      `json:"id"`
	VideoPromptID   uuid.UUID      `json:"video_prompt_id"`
	VideoURL        *string        `json:"video_url,omitempty"`
	ThumbnailURL    *string        `json:"thumbnail_url,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	SegmentsUsed    UUIDList       `json:"segments_used"`
	Status          CompiledStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UUIDList stores an ordered list of segment ids as a JSONB array.
type UUIDList []uuid.UUID

func (l UUIDList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *UUIDList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// DTOs for API responses

type GenerateVideoRequest struct {
	PromptID string `json:"promptId"`
	UserID   string `json:"userId"`
	Priority *int   `json:"priority,omitempty"`
}

type GenerateVideoResponse struct {
	JobID    string    `json:"job_id"`
	PromptID uuid.UUID `json:"prompt_id"`
	Status   JobStatus `json:"status"`
}

// VideoJobStatus is the status-contract payload for polling UIs.
type VideoJobStatus struct {
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Result       *string   `json:"result,omitempty"`
	FailedReason *string   `json:"failedReason,omitempty"`
	AttemptsMade int       `json:"attemptsMade"`
}

// VideoJobResult is what a successful job stores as its result.
type VideoJobResult struct {
	CompiledVideoID uuid.UUID `json:"compiled_video_id"`
	VideoURL        string    `json:"video_url"`
	Cached          bool      `json:"cached"`
}

// PromptResponse is the read view for the prompt detail endpoint:
// the prompt plus its ordered segments, their latest clips, and the
// completed compiled video if one exists.
type PromptResponse struct {
	VideoPrompt
	Segments      []SegmentResponse `json:"segments"`
	CompiledVideo *CompiledVideo    `json:"compiled_video,omitempty"`
}

type SegmentResponse struct {
	VideoSegment
	LatestClip *GeneratedVideoClip `json:"latest_clip,omitempty"`
}
