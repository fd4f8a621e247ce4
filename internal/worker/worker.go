package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/queue"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/services"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Progress milestones. Segment work advances linearly between
// progressSegments and progressCompile.
const (
	progressLoaded   = 10
	progressSegments = 20
	progressCompile  = 80
	progressPersist  = 90
	progressDone     = 100
)

// RecordStore is the persistence contract the orchestrator depends on.
// *db.DB satisfies it; tests use a fake.
type RecordStore interface {
	GetVideoPrompt(ctx context.Context, id uuid.UUID) (*models.VideoPrompt, error)
	GetPromptSegments(ctx context.Context, promptID uuid.UUID) ([]models.VideoSegment, error)
	GetLatestCompletedClip(ctx context.Context, segmentID uuid.UUID) (*models.GeneratedVideoClip, error)
	GetCompletedCompiledVideo(ctx context.Context, promptID uuid.UUID) (*models.CompiledVideo, error)
	UpdateSegmentStatus(ctx context.Context, id uuid.UUID, status models.SegmentStatus) error
	MarkSegmentFailed(ctx context.Context, id uuid.UUID) error
	CreateGeneratedClip(ctx context.Context, clip *models.GeneratedVideoClip) error
	CreateCompiledVideo(ctx context.Context, cv *models.CompiledVideo) (*models.CompiledVideo, error)
	IncrementPromptUsage(ctx context.Context, id uuid.UUID) error
}

// Generator is the segment-generation client contract.
type Generator interface {
	Generate(ctx context.Context, req services.GenerateRequest) (*services.GenerateResponse, error)
	PollUntilComplete(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (*services.GenerationResult, error)
}

// Compiler merges ordered clips into one local video file.
type Compiler interface {
	CompileClips(ctx context.Context, inputs []services.ClipInput) (*services.CompiledOutput, error)
}

// AssetStore re-homes generated and compiled assets into durable storage.
type AssetStore interface {
	UploadVideo(ctx context.Context, localPath, thumbnailPath, folder string) (*storage.UploadResult, error)
	UploadFromURL(ctx context.Context, remoteURL, thumbnailURL, folder string) (*storage.UploadResult, error)
}

// Config bounds one worker process.
type Config struct {
	Concurrency  int           // simultaneous jobs
	PollAttempts int           // generation poll budget per segment
	PollInterval time.Duration // generation poll spacing
	AspectRatio  string        // aspect ratio submitted for every segment
}

// Worker drives queued jobs from intake to a terminal compiled video.
type Worker struct {
	store     RecordStore
	queue     *queue.Queue
	storage   AssetStore
	generator Generator
	compiler  Compiler
	cfg       Config
}

func New(store RecordStore, q *queue.Queue, stor AssetStore, gen Generator, comp Compiler, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = "16:9"
	}

	return &Worker{
		store:     store,
		queue:     q,
		storage:   stor,
		generator: gen,
		compiler:  comp,
		cfg:       cfg,
	}
}

// Start runs the consumer pool and the delayed-job promoter until ctx is
// cancelled. Each consumer processes one job at a time; the pool bound caps
// simultaneous jobs.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] Started with concurrency: %d", w.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.queue.StartPromoter(gctx)
		return nil
	})

	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.consume(gctx)
			return nil
		})
	}

	g.Wait()
	log.Println("[Worker] Shut down")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Worker] Dequeue error: %v", err)
			}
			continue
		}
		if job == nil {
			continue // no job available
		}

		// Rolling rate limit bounds job starts independent of concurrency.
		allowed, err := w.queue.AllowStart(ctx)
		if err != nil {
			log.Printf("[Worker] Rate limit check failed: %v", err)
		}
		if err == nil && !allowed {
			log.Printf("[Worker] Rate limit reached, deferring job %s", job.ID)
			if err := w.queue.Requeue(ctx, job); err != nil {
				log.Printf("[Worker] Failed to requeue %s: %v", job.ID, err)
			}
			time.Sleep(time.Second)
			continue
		}

		log.Printf("[Worker] Processing job %s (prompt: %s, attempt: %d)", job.ID, job.PromptID, job.AttemptsMade)

		report := func(progress int) {
			if err := w.queue.ReportProgress(ctx, job.ID, progress); err != nil {
				log.Printf("[Worker] Failed to report progress for %s: %v", job.ID, err)
			}
		}

		result, err := w.run(ctx, job.PromptID, report)
		if err != nil {
			if IsIntegrityError(err) {
				log.Printf("[Worker] Job %s failed with a collaborator contract violation: %v", job.ID, err)
			} else {
				log.Printf("[Worker] Job %s failed: %v", job.ID, err)
			}
			if qErr := w.queue.MarkFailed(ctx, job.ID, job.AttemptsMade, err.Error()); qErr != nil {
				log.Printf("[Worker] Failed to record failure for %s: %v", job.ID, qErr)
			}
			continue
		}

		if err := w.queue.MarkCompleted(ctx, job.ID, *result); err != nil {
			log.Printf("[Worker] Failed to record completion for %s: %v", job.ID, err)
		} else {
			log.Printf("[Worker] Job %s completed (compiled video: %s)", job.ID, result.CompiledVideoID)
		}
	}
}

// run drives one job attempt. Completed segments from prior attempts are
// reused, so a retried job only pays for the work that never finished. No
// partial rollback happens on failure — persisted clip state is the
// idempotence mechanism, not leftover garbage.
func (w *Worker) run(ctx context.Context, promptID uuid.UUID, report func(int)) (*models.VideoJobResult, error) {
	prompt, err := w.store.GetVideoPrompt(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt: %w", err)
	}

	report(progressLoaded)

	// Cache hit: a completed compiled video ends the job before any
	// generation or compilation work starts.
	if existing, err := w.store.GetCompletedCompiledVideo(ctx, promptID); err != nil {
		return nil, fmt.Errorf("failed to check compiled cache: %w", err)
	} else if existing != nil {
		log.Printf("[Worker] Cache hit for prompt %s (compiled video %s)", promptID, existing.ID)
		report(progressDone)
		return &models.VideoJobResult{
			CompiledVideoID: existing.ID,
			VideoURL:        deref(existing.VideoURL),
			Cached:          true,
		}, nil
	}

	if err := w.store.IncrementPromptUsage(ctx, promptID); err != nil {
		log.Printf("[Worker] Warning: failed to bump usage for %s: %v", promptID, err)
	}

	segments, err := w.store.GetPromptSegments(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	if len(segments) == 0 {
		return nil, &services.IntegrityError{Detail: fmt.Sprintf("prompt %s has no segments", promptID)}
	}

	report(progressSegments)

	clips := make([]models.GeneratedVideoClip, 0, len(segments))
	for i, segment := range segments {
		clip, err := w.ensureSegmentClip(ctx, prompt, &segment)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", segment.SegmentNumber, err)
		}
		clips = append(clips, *clip)

		report(progressSegments + (progressCompile-progressSegments)*(i+1)/len(segments))
	}

	report(progressCompile)

	finalURL, thumbURL, duration, err := w.assemble(ctx, prompt, segments, clips)
	if err != nil {
		return nil, err
	}

	report(progressPersist)

	segmentsUsed := make(models.UUIDList, len(segments))
	for i, segment := range segments {
		segmentsUsed[i] = segment.ID
	}

	compiled, err := w.store.CreateCompiledVideo(ctx, &models.CompiledVideo{
		ID:              uuid.New(),
		VideoPromptID:   promptID,
		VideoURL:        &finalURL,
		ThumbnailURL:    optional(thumbURL),
		DurationSeconds: &duration,
		SegmentsUsed:    segmentsUsed,
		Status:          models.CompiledStatusCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist compiled video: %w", err)
	}

	report(progressDone)

	return &models.VideoJobResult{
		CompiledVideoID: compiled.ID,
		VideoURL:        deref(compiled.VideoURL),
	}, nil
}

// ensureSegmentClip returns the segment's authoritative completed clip,
// generating one only when no prior attempt completed. This is what makes
// queue-level retries cheap.
func (w *Worker) ensureSegmentClip(ctx context.Context, prompt *models.VideoPrompt, segment *models.VideoSegment) (*models.GeneratedVideoClip, error) {
	existing, err := w.store.GetLatestCompletedClip(ctx, segment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing clip: %w", err)
	}
	if existing != nil {
		log.Printf("[Worker] Segment %d: reusing completed clip %s", segment.SegmentNumber, existing.ID)
		// A prior attempt may have crashed after persisting the clip but
		// before the status update; reconcile so the read view agrees with
		// the clip that actually ships.
		if segment.Status != models.SegmentStatusCompleted {
			if err := w.store.UpdateSegmentStatus(ctx, segment.ID, models.SegmentStatusCompleted); err != nil {
				log.Printf("[Worker] Failed to reconcile segment %s status: %v", segment.ID, err)
			}
		}
		return existing, nil
	}

	clip, err := w.generateSegmentClip(ctx, prompt, segment)
	if err != nil {
		if markErr := w.store.MarkSegmentFailed(ctx, segment.ID); markErr != nil {
			log.Printf("[Worker] Failed to mark segment %s failed: %v", segment.ID, markErr)
		}
		return nil, err
	}

	return clip, nil
}

func (w *Worker) generateSegmentClip(ctx context.Context, prompt *models.VideoPrompt, segment *models.VideoSegment) (*models.GeneratedVideoClip, error) {
	if err := w.store.UpdateSegmentStatus(ctx, segment.ID, models.SegmentStatusGenerating); err != nil {
		return nil, fmt.Errorf("failed to mark segment generating: %w", err)
	}

	log.Printf("[Worker] Segment %d: generating (duration=%ds)", segment.SegmentNumber, segment.TargetDuration)

	req := services.GenerateRequest{
		Prompt:      segment.Prompt,
		Duration:    segment.TargetDuration,
		AspectRatio: w.cfg.AspectRatio,
		Style:       deref(prompt.Style),
	}

	genResp, err := w.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation submit failed: %w", err)
	}

	result, err := w.generator.PollUntilComplete(ctx, genResp.JobID, w.cfg.PollAttempts, w.cfg.PollInterval)
	if err != nil {
		return nil, err
	}

	// The service's result URLs expire; re-home the clip and its thumbnail
	// before recording them.
	uploaded, err := w.storage.UploadFromURL(ctx, result.VideoURL, result.ThumbnailURL, "clips/"+prompt.ID.String())
	if err != nil {
		return nil, fmt.Errorf("clip upload failed: %w", err)
	}

	duration := result.Duration
	if duration == 0 {
		duration = uploaded.Duration
	}
	if duration == 0 {
		duration = float64(segment.TargetDuration)
	}

	clip := &models.GeneratedVideoClip{
		ID:              uuid.New(),
		VideoSegmentID:  segment.ID,
		VideoURL:        &uploaded.URL,
		ThumbnailURL:    optional(uploaded.ThumbnailURL),
		DurationSeconds: &duration,
		GenerationJobID: &result.JobID,
		GenerationParams: models.JSONB{
			"duration":     req.Duration,
			"aspect_ratio": req.AspectRatio,
			"style":        req.Style,
		},
		Status: models.ClipStatusCompleted,
	}

	if err := w.store.CreateGeneratedClip(ctx, clip); err != nil {
		return nil, fmt.Errorf("failed to persist clip: %w", err)
	}

	if err := w.store.UpdateSegmentStatus(ctx, segment.ID, models.SegmentStatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to mark segment completed: %w", err)
	}

	log.Printf("[Worker] Segment %d: clip ready (%s)", segment.SegmentNumber, uploaded.URL)
	return clip, nil
}

// assemble produces the final asset. A single segment's clip is the final
// asset directly; multiple segments are compiled in segment order and the
// result uploaded to durable storage.
func (w *Worker) assemble(ctx context.Context, prompt *models.VideoPrompt, segments []models.VideoSegment, clips []models.GeneratedVideoClip) (finalURL, thumbURL string, duration float64, err error) {
	if len(clips) == 1 {
		clip := clips[0]
		if clip.VideoURL == nil || *clip.VideoURL == "" {
			return "", "", 0, &services.IntegrityError{Detail: fmt.Sprintf("clip %s has no video URL", clip.ID)}
		}
		log.Printf("[Worker] Single segment, skipping compilation")
		return *clip.VideoURL, deref(clip.ThumbnailURL), derefFloat(clip.DurationSeconds), nil
	}

	inputs := make([]services.ClipInput, len(clips))
	for i, clip := range clips {
		if clip.VideoURL == nil || *clip.VideoURL == "" {
			return "", "", 0, &services.IntegrityError{Detail: fmt.Sprintf("clip %s has no video URL", clip.ID)}
		}
		inputs[i] = services.ClipInput{
			VideoURL:   *clip.VideoURL,
			Transition: deref(segments[i].TransitionOut),
			Duration:   derefFloat(clip.DurationSeconds),
		}
	}

	output, err := w.compiler.CompileClips(ctx, inputs)
	if err != nil {
		return "", "", 0, fmt.Errorf("compilation failed: %w", err)
	}
	defer output.Cleanup()

	uploaded, err := w.storage.UploadVideo(ctx, output.VideoPath, output.ThumbnailPath, "compiled/"+prompt.ID.String())
	if err != nil {
		return "", "", 0, fmt.Errorf("compiled video upload failed: %w", err)
	}

	return uploaded.URL, uploaded.ThumbnailURL, uploaded.Duration, nil
}

// IsIntegrityError reports whether a job failure was a collaborator contract
// violation rather than a transient fault. Logged distinctly by callers.
func IsIntegrityError(err error) bool {
	var ie *services.IntegrityError
	return errors.As(err, &ie)
}

// Helper functions
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
