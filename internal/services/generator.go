package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// Segment Generator Client
// Wraps the third-party text-to-video generation service. The service uses a
// deferred request pattern: submit generation → poll by job id until terminal.
// ---------------------------------------------------------------------------

const (
	// The service renders short clips only; requested durations are clamped.
	MaxClipDurationSeconds = 5

	defaultAspectRatio  = "16:9"
	defaultPollAttempts = 60
	defaultPollInterval = 5 * time.Second
)

// Remote job states as observed through polling.
const (
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
)

// ErrGenerationTimeout is the client-side synthetic terminal state: the poll
// budget ran out before the remote job reached completed or failed.
var ErrGenerationTimeout = errors.New("video generation timed out")

// GenerationError is a terminal failure reported by the generation service.
type GenerationError struct {
	JobID   string
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("video generation failed: %s (job_id=%s)", e.Message, e.JobID)
}

// IntegrityError marks a contract violation by a collaborator — a "completed"
// job with no video URL, a missing record, malformed data. Never retried away.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "data integrity error: " + e.Detail
}

// GeneratorService is the client for the third-party video generation API.
type GeneratorService struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewGeneratorService(baseURL, apiKey string) *GeneratorService {
	return &GeneratorService{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
		sleep: sleepContext,
	}
}

// SetSleep replaces the polling wait, letting tests drive the poll loop
// without real time passing.
func (s *GeneratorService) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// GenerateRequest carries the parameters for one clip submission.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
	Style       string `json:"style,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
}

// GenerateResponse is the submit response: a job id and its initial status.
type GenerateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse is the poll response for a generation job.
type StatusResponse struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	VideoURL     string  `json:"video_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// GenerationResult is the terminal output of a completed remote job.
type GenerationResult struct {
	JobID        string
	VideoURL     string
	ThumbnailURL string
	Duration     float64
}

// Generate submits a clip generation request. The requested duration is
// clamped to the service's hard cap regardless of the caller's value.
func (s *GeneratorService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Duration <= 0 || req.Duration > MaxClipDurationSeconds {
		req.Duration = MaxClipDurationSeconds
	}
	if req.AspectRatio == "" {
		req.AspectRatio = defaultAspectRatio
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	log.Printf("[Generator] Submitting clip (promptLen=%d, duration=%ds, aspect=%s)",
		len(req.Prompt), req.Duration, req.AspectRatio)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v1/generations", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("generation service returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp GenerateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(body))
	}

	if genResp.JobID == "" {
		return nil, &IntegrityError{Detail: fmt.Sprintf("no job_id in generation response: %s", string(body))}
	}

	log.Printf("[Generator] Submitted, job_id=%s status=%s", genResp.JobID, genResp.Status)
	return &genResp, nil
}

// CheckStatus fetches the current state of a generation job.
func (s *GeneratorService) CheckStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/generations/%s", s.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("generation service returned status %d: %s", resp.StatusCode, string(body))
	}

	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, string(body))
	}

	return &status, nil
}

// PollUntilComplete calls CheckStatus at a fixed interval until the remote
// job completes (returns the result), fails (returns a GenerationError), or
// maxAttempts is exhausted (returns ErrGenerationTimeout). This is a blocking
// wait: the calling worker slot is occupied for the duration.
func (s *GeneratorService) PollUntilComplete(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (*GenerationResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultPollAttempts
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := s.CheckStatus(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll job %s (attempt %d): %w", jobID, attempt, err)
		}

		switch status.Status {
		case GenerationStatusCompleted:
			if status.VideoURL == "" {
				return nil, &IntegrityError{Detail: fmt.Sprintf("job %s completed without a video URL", jobID)}
			}
			log.Printf("[Generator] Job %s completed after %d polls", jobID, attempt)
			return &GenerationResult{
				JobID:        jobID,
				VideoURL:     status.VideoURL,
				ThumbnailURL: status.ThumbnailURL,
				Duration:     status.Duration,
			}, nil

		case GenerationStatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, &GenerationError{JobID: jobID, Message: msg}

		case GenerationStatusQueued, GenerationStatusProcessing:
			log.Printf("[Generator] Job %s poll %d/%d: %s", jobID, attempt, maxAttempts, status.Status)

		default:
			return nil, &IntegrityError{Detail: fmt.Sprintf("job %s reported unknown status %q", jobID, status.Status)}
		}

		if attempt < maxAttempts {
			if err := s.sleep(ctx, interval); err != nil {
				return nil, fmt.Errorf("polling cancelled for job %s: %w", jobID, err)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts (job_id=%s)", ErrGenerationTimeout, maxAttempts, jobID)
}
