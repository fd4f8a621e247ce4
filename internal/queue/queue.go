package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
)

const (
	keyPending   = "videojobs:pending"   // list of job ids awaiting delivery
	keyDelayed   = "videojobs:delayed"   // zset job id -> next run unix time (retry backoff)
	keyCompleted = "videojobs:completed" // list of recent completed job ids, trimmed
	keyStarts    = "videojobs:starts"    // zset of job-start timestamps (rate limit window)

	jobKeyPrefix   = "videojobs:job:"
	dedupKeyPrefix = "videojobs:dedup:"
)

// Config holds the queue's retry, retention, and load-bounding policy.
type Config struct {
	Attempts        int           // max automatic attempts per job
	BackoffBase     time.Duration // first retry delay, doubled per attempt
	CompletedTTL    time.Duration // how long completed job state is kept
	CompletedMax    int64         // how many completed ids the recent index keeps
	FailedTTL       time.Duration // how long failed job state is kept (postmortem)
	RateLimitMax    int64         // max job starts per window
	RateLimitWindow time.Duration // rolling rate-limit window
	PromoteInterval time.Duration // how often delayed jobs are checked
}

// DefaultConfig matches the documented policy: 3 attempts, 5s exponential
// backoff, 24h/100 completed retention, 7d failed retention, 10 starts/60s.
func DefaultConfig() Config {
	return Config{
		Attempts:        3,
		BackoffBase:     5 * time.Second,
		CompletedTTL:    24 * time.Hour,
		CompletedMax:    100,
		FailedTTL:       7 * 24 * time.Hour,
		RateLimitMax:    10,
		RateLimitWindow: 60 * time.Second,
		PromoteInterval: time.Second,
	}
}

// Queue is a durable, deduplicated Redis work queue for video-generation
// jobs. Delivery is at-least-once: the worker must be idempotent.
type Queue struct {
	client *redis.Client
	cfg    Config
}

// Job is one delivered unit of work.
type Job struct {
	ID           string    `json:"id"`
	PromptID     uuid.UUID `json:"prompt_id"`
	UserID       string    `json:"user_id"`
	Priority     int       `json:"priority"`
	AttemptsMade int       `json:"attempts_made"`
}

// JobID derives the deterministic job identity for a prompt, so repeated
// enqueue calls for the same prompt collapse into one logical job.
func JobID(promptID uuid.UUID) string {
	return "video-" + promptID.String()
}

// BackoffDelay returns the delay before retry attempt n (1-based):
// base, 2*base, 4*base, ...
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

func New(redisURL string, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, cfg: cfg}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue creates or re-targets the job for a prompt. If a non-terminal job
// already exists for the prompt, the existing job id is returned and no new
// delivery happens. A job that previously completed or failed is replaced
// with a fresh one.
func (q *Queue) Enqueue(ctx context.Context, promptID uuid.UUID, userID string, priority int) (string, error) {
	jobID := JobID(promptID)

	// The dedup key lives exactly as long as the job is non-terminal.
	// SETNX winning means we own creating this job run.
	ok, err := q.client.SetNX(ctx, dedupKeyPrefix+jobID, userID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to reserve job: %w", err)
	}
	if !ok {
		// A reservation without job state behind it is an orphan left by a
		// crashed enqueue or an expired terminal hash. Honoring it would lock
		// the prompt out forever, so reclaim it and create the job.
		exists, err := q.client.Exists(ctx, jobKeyPrefix+jobID).Result()
		if err != nil {
			return "", fmt.Errorf("failed to verify job %s: %w", jobID, err)
		}
		if exists > 0 {
			log.Printf("[Queue] Duplicate enqueue for %s collapsed into existing job", jobID)
			return jobID, nil
		}
		log.Printf("[Queue] Reclaiming orphaned reservation for %s", jobID)
	}

	now := time.Now()
	fields := map[string]interface{}{
		"prompt_id":     promptID.String(),
		"user_id":       userID,
		"priority":      priority,
		"status":        string(models.JobStatusWaiting),
		"progress":      0,
		"result":        "",
		"failed_reason": "",
		"attempts_made": 0,
		"created_at":    now.Format(time.RFC3339),
		"updated_at":    now.Format(time.RFC3339),
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, jobKeyPrefix+jobID) // drop any expired terminal state
	pipe.HSet(ctx, jobKeyPrefix+jobID, fields)
	pipe.Persist(ctx, jobKeyPrefix+jobID)
	if priority > 0 {
		pipe.LPush(ctx, keyPending, jobID)
	} else {
		pipe.RPush(ctx, keyPending, jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the reservation or the prompt can never be enqueued again.
		if delErr := q.client.Del(context.Background(), dedupKeyPrefix+jobID).Err(); delErr != nil {
			log.Printf("[Queue] Failed to release reservation for %s: %v", jobID, delErr)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Printf("[Queue] Enqueued %s (user=%s, priority=%d)", jobID, userID, priority)
	return jobID, nil
}

// Dequeue blocks up to timeout for the next pending job, marks it active,
// and increments its attempt counter.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, keyPending).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}
	jobID := result[1]

	data, err := q.client.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		// State expired or was removed while the id sat in the list.
		log.Printf("[Queue] Dropping orphaned job id %s", jobID)
		return nil, nil
	}

	attempts, err := q.client.HIncrBy(ctx, jobKeyPrefix+jobID, "attempts_made", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count attempt for %s: %w", jobID, err)
	}
	q.client.HSet(ctx, jobKeyPrefix+jobID,
		"status", string(models.JobStatusActive),
		"updated_at", time.Now().Format(time.RFC3339),
	)

	promptID, err := uuid.Parse(data["prompt_id"])
	if err != nil {
		return nil, fmt.Errorf("job %s has invalid prompt id %q: %w", jobID, data["prompt_id"], err)
	}

	priority, _ := strconv.Atoi(data["priority"])
	return &Job{
		ID:           jobID,
		PromptID:     promptID,
		UserID:       data["user_id"],
		Priority:     priority,
		AttemptsMade: int(attempts),
	}, nil
}

// ReportProgress records a progress value for a job. Values below the
// currently stored progress are ignored, keeping the reported sequence
// monotonically non-decreasing across retries.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, progress int) error {
	current, err := q.client.HGet(ctx, jobKeyPrefix+jobID, "progress").Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read progress: %w", err)
	}
	if progress <= current {
		return nil
	}
	return q.client.HSet(ctx, jobKeyPrefix+jobID,
		"progress", progress,
		"updated_at", time.Now().Format(time.RFC3339),
	).Err()
}

// MarkCompleted stores the job result, applies completed retention, and
// releases the dedup reservation so the prompt can be enqueued again.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string, result models.VideoJobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+jobID,
		"status", string(models.JobStatusCompleted),
		"progress", 100,
		"result", string(payload),
		"updated_at", time.Now().Format(time.RFC3339),
	)
	pipe.Expire(ctx, jobKeyPrefix+jobID, q.cfg.CompletedTTL)
	pipe.LPush(ctx, keyCompleted, jobID)
	pipe.LTrim(ctx, keyCompleted, 0, q.cfg.CompletedMax-1)
	pipe.Del(ctx, dedupKeyPrefix+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", jobID, err)
	}

	log.Printf("[Queue] Job %s completed", jobID)
	return nil
}

// MarkFailed records a failed attempt. Attempts below the cap are parked in
// the delayed set with exponential backoff; the final failure applies failed
// retention and releases the dedup reservation.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, attemptsMade int, reason string) error {
	now := time.Now()

	if attemptsMade < q.cfg.Attempts {
		delay := BackoffDelay(q.cfg.BackoffBase, attemptsMade)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKeyPrefix+jobID,
			"status", string(models.JobStatusWaiting),
			"failed_reason", reason,
			"updated_at", now.Format(time.RFC3339),
		)
		pipe.ZAdd(ctx, keyDelayed, &redis.Z{
			Score:  float64(now.Add(delay).Unix()),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to schedule retry for %s: %w", jobID, err)
		}
		log.Printf("[Queue] Job %s failed (attempt %d/%d), retrying in %v: %s",
			jobID, attemptsMade, q.cfg.Attempts, delay, reason)
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+jobID,
		"status", string(models.JobStatusFailed),
		"failed_reason", reason,
		"updated_at", now.Format(time.RFC3339),
	)
	pipe.Expire(ctx, jobKeyPrefix+jobID, q.cfg.FailedTTL)
	pipe.Del(ctx, dedupKeyPrefix+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", jobID, err)
	}

	log.Printf("[Queue] Job %s permanently failed after %d attempts: %s", jobID, attemptsMade, reason)
	return nil
}

// GetStatus implements the status contract for polling callers.
func (q *Queue) GetStatus(ctx context.Context, promptID uuid.UUID) (*models.VideoJobStatus, error) {
	jobID := JobID(promptID)

	data, err := q.client.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	if len(data) == 0 {
		return &models.VideoJobStatus{Status: models.JobStatusNotFound}, nil
	}

	progress, _ := strconv.Atoi(data["progress"])
	attempts, _ := strconv.Atoi(data["attempts_made"])

	status := &models.VideoJobStatus{
		Status:       models.JobStatus(data["status"]),
		Progress:     progress,
		AttemptsMade: attempts,
	}
	if r := data["result"]; r != "" {
		status.Result = &r
	}
	if fr := data["failed_reason"]; fr != "" && status.Status == models.JobStatusFailed {
		status.FailedReason = &fr
	}

	return status, nil
}

// AllowStart consults the rolling rate limit. It returns true and records a
// start when the window has capacity, bounding load on the downstream
// generation service independent of worker concurrency.
func (q *Queue) AllowStart(ctx context.Context) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-q.cfg.RateLimitWindow)

	if err := q.client.ZRemRangeByScore(ctx, keyStarts, "0",
		strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return false, fmt.Errorf("failed to trim rate window: %w", err)
	}

	count, err := q.client.ZCard(ctx, keyStarts).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count rate window: %w", err)
	}
	if count >= q.cfg.RateLimitMax {
		return false, nil
	}

	err = q.client.ZAdd(ctx, keyStarts, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	}).Err()
	if err != nil {
		return false, fmt.Errorf("failed to record start: %w", err)
	}
	return true, nil
}

// Requeue puts a delivered job back on the pending list without counting an
// attempt against it (used when the rate limit defers a start). Priority jobs
// keep their place at the head.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, jobKeyPrefix+job.ID, "attempts_made", -1)
	pipe.HSet(ctx, jobKeyPrefix+job.ID, "status", string(models.JobStatusWaiting))
	if job.Priority > 0 {
		pipe.LPush(ctx, keyPending, job.ID)
	} else {
		pipe.RPush(ctx, keyPending, job.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// StartPromoter moves due delayed jobs back onto the pending list until the
// context is cancelled. Run it once per process.
func (q *Queue) StartPromoter(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Queue] Promoter error: %v", err)
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	jobIDs, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, jobID := range jobIDs {
		removed, err := q.client.ZRem(ctx, keyDelayed, jobID).Result()
		if err != nil {
			return fmt.Errorf("failed to claim delayed job %s: %w", jobID, err)
		}
		if removed == 0 {
			continue // another promoter instance claimed it
		}
		if err := q.client.RPush(ctx, keyPending, jobID).Err(); err != nil {
			return fmt.Errorf("failed to promote job %s: %w", jobID, err)
		}
		log.Printf("[Queue] Promoted delayed job %s", jobID)
	}

	return nil
}

// RecentCompleted returns the ids of recently completed jobs, newest first.
func (q *Queue) RecentCompleted(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 || limit > q.cfg.CompletedMax {
		limit = q.cfg.CompletedMax
	}
	return q.client.LRange(ctx, keyCompleted, 0, limit-1).Result()
}

// PendingLength reports how many jobs are awaiting delivery.
func (q *Queue) PendingLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyPending).Result()
}
