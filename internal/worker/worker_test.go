package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/services"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/storage"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	prompt   *models.VideoPrompt
	segments []models.VideoSegment
	clips    map[uuid.UUID]*models.GeneratedVideoClip // by segment id
	compiled *models.CompiledVideo

	createdClips    []*models.GeneratedVideoClip
	createdCompiled []*models.CompiledVideo
	failedSegments  []uuid.UUID
	statusUpdates   map[uuid.UUID][]models.SegmentStatus
	usageBumps      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clips:         make(map[uuid.UUID]*models.GeneratedVideoClip),
		statusUpdates: make(map[uuid.UUID][]models.SegmentStatus),
	}
}

func (s *fakeStore) GetVideoPrompt(ctx context.Context, id uuid.UUID) (*models.VideoPrompt, error) {
	if s.prompt == nil || s.prompt.ID != id {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	return s.prompt, nil
}

func (s *fakeStore) GetPromptSegments(ctx context.Context, promptID uuid.UUID) ([]models.VideoSegment, error) {
	return s.segments, nil
}

func (s *fakeStore) GetLatestCompletedClip(ctx context.Context, segmentID uuid.UUID) (*models.GeneratedVideoClip, error) {
	return s.clips[segmentID], nil
}

func (s *fakeStore) GetCompletedCompiledVideo(ctx context.Context, promptID uuid.UUID) (*models.CompiledVideo, error) {
	return s.compiled, nil
}

func (s *fakeStore) UpdateSegmentStatus(ctx context.Context, id uuid.UUID, status models.SegmentStatus) error {
	s.statusUpdates[id] = append(s.statusUpdates[id], status)
	return nil
}

func (s *fakeStore) MarkSegmentFailed(ctx context.Context, id uuid.UUID) error {
	s.failedSegments = append(s.failedSegments, id)
	return nil
}

func (s *fakeStore) CreateGeneratedClip(ctx context.Context, clip *models.GeneratedVideoClip) error {
	s.createdClips = append(s.createdClips, clip)
	s.clips[clip.VideoSegmentID] = clip
	return nil
}

func (s *fakeStore) CreateCompiledVideo(ctx context.Context, cv *models.CompiledVideo) (*models.CompiledVideo, error) {
	s.createdCompiled = append(s.createdCompiled, cv)
	return cv, nil
}

func (s *fakeStore) IncrementPromptUsage(ctx context.Context, id uuid.UUID) error {
	s.usageBumps++
	return nil
}

type fakeGenerator struct {
	submits  []services.GenerateRequest
	polls    int
	failWith error
	duration float64
}

func (g *fakeGenerator) Generate(ctx context.Context, req services.GenerateRequest) (*services.GenerateResponse, error) {
	g.submits = append(g.submits, req)
	if g.failWith != nil {
		return nil, g.failWith
	}
	return &services.GenerateResponse{JobID: fmt.Sprintf("gen-%d", len(g.submits)), Status: services.GenerationStatusQueued}, nil
}

func (g *fakeGenerator) PollUntilComplete(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (*services.GenerationResult, error) {
	g.polls++
	dur := g.duration
	if dur == 0 {
		dur = 4.5
	}
	return &services.GenerationResult{
		JobID:        jobID,
		VideoURL:     "https://gen.example.com/" + jobID + ".mp4",
		ThumbnailURL: "https://gen.example.com/" + jobID + ".jpg",
		Duration:     dur,
	}, nil
}

type fakeCompiler struct {
	calls  int
	inputs []services.ClipInput
	err    error
}

func (c *fakeCompiler) CompileClips(ctx context.Context, inputs []services.ClipInput) (*services.CompiledOutput, error) {
	c.calls++
	c.inputs = inputs
	if c.err != nil {
		return nil, c.err
	}
	return &services.CompiledOutput{VideoPath: "/scratch/compiled.mp4", ThumbnailPath: "/scratch/thumb.jpg"}, nil
}

type fakeAssets struct {
	urlUploads  []string
	fileUploads []string
	duration    float64
}

func (a *fakeAssets) UploadVideo(ctx context.Context, localPath, thumbnailPath, folder string) (*storage.UploadResult, error) {
	a.fileUploads = append(a.fileUploads, localPath)
	return &storage.UploadResult{
		URL:          "https://store.example.com/" + folder + "/final.mp4",
		ThumbnailURL: "https://store.example.com/" + folder + "/final.jpg",
		Duration:     a.duration,
	}, nil
}

func (a *fakeAssets) UploadFromURL(ctx context.Context, remoteURL, thumbnailURL, folder string) (*storage.UploadResult, error) {
	a.urlUploads = append(a.urlUploads, remoteURL)
	name := uuid.NewString()
	result := &storage.UploadResult{URL: "https://store.example.com/" + folder + "/" + name + ".mp4"}
	if thumbnailURL != "" {
		result.ThumbnailURL = "https://store.example.com/" + folder + "/" + name + "_thumb.jpg"
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func strPtr(s string) *string { return &s }

func testPrompt() *models.VideoPrompt {
	return &models.VideoPrompt{
		ID:           uuid.New(),
		MasterPrompt: "how neurons communicate",
		Style:        strPtr("educational"),
		IsSegmented:  true,
	}
}

func testSegments(promptID uuid.UUID, n int) []models.VideoSegment {
	segments := make([]models.VideoSegment, n)
	for i := range segments {
		segments[i] = models.VideoSegment{
			ID:             uuid.New(),
			VideoPromptID:  promptID,
			SegmentNumber:  i + 1,
			Prompt:         fmt.Sprintf("scene %d", i+1),
			TargetDuration: 5,
			Status:         models.SegmentStatusPending,
		}
	}
	return segments
}

func testWorker(store *fakeStore, gen *fakeGenerator, comp *fakeCompiler, assets *fakeAssets) *Worker {
	return &Worker{
		store:     store,
		storage:   assets,
		generator: gen,
		compiler:  comp,
		cfg:       Config{Concurrency: 1, PollAttempts: 3, PollInterval: time.Millisecond, AspectRatio: "16:9"},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunCacheHitSkipsAllWork(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.compiled = &models.CompiledVideo{
		ID:            uuid.New(),
		VideoPromptID: store.prompt.ID,
		VideoURL:      strPtr("https://store.example.com/cached.mp4"),
		Status:        models.CompiledStatusCompleted,
	}

	gen := &fakeGenerator{}
	comp := &fakeCompiler{}
	assets := &fakeAssets{}
	w := testWorker(store, gen, comp, assets)

	result, err := w.run(context.Background(), store.prompt.ID, func(int) {})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !result.Cached {
		t.Error("expected Cached=true on cache hit")
	}
	if result.CompiledVideoID != store.compiled.ID {
		t.Error("expected cached compiled video id")
	}
	if result.VideoURL != "https://store.example.com/cached.mp4" {
		t.Errorf("unexpected video URL: %s", result.VideoURL)
	}

	// The whole point of the cache hit: no generation, compilation, or
	// persistence happens.
	if len(gen.submits) != 0 || comp.calls != 0 {
		t.Error("cache hit must not touch the generator or compiler")
	}
	if len(store.createdCompiled) != 0 {
		t.Error("cache hit must not create a new compiled record")
	}
	if store.usageBumps != 0 {
		t.Error("cache hit must not bump usage")
	}
}

func TestRunReusesCompletedSegmentClips(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 3)

	// Segment 1 already has a completed clip from a prior attempt.
	existing := &models.GeneratedVideoClip{
		ID:             uuid.New(),
		VideoSegmentID: store.segments[0].ID,
		VideoURL:       strPtr("https://store.example.com/clips/prior.mp4"),
		Status:         models.ClipStatusCompleted,
	}
	store.clips[store.segments[0].ID] = existing

	gen := &fakeGenerator{}
	comp := &fakeCompiler{}
	assets := &fakeAssets{duration: 13.5}
	w := testWorker(store, gen, comp, assets)

	if _, err := w.run(context.Background(), store.prompt.ID, func(int) {}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Only segments 2 and 3 paid for generation.
	if len(gen.submits) != 2 {
		t.Fatalf("expected 2 generation submits, got %d", len(gen.submits))
	}
	if gen.submits[0].Prompt != "scene 2" || gen.submits[1].Prompt != "scene 3" {
		t.Errorf("generated wrong segments: %+v", gen.submits)
	}

	// All three clips, prior one first, went into compilation.
	if comp.calls != 1 {
		t.Fatalf("expected 1 compile call, got %d", comp.calls)
	}
	if len(comp.inputs) != 3 {
		t.Fatalf("expected 3 compile inputs, got %d", len(comp.inputs))
	}
	if comp.inputs[0].VideoURL != *existing.VideoURL {
		t.Error("prior clip must lead the compile order")
	}
}

func TestRunSingleSegmentSkipsCompiler(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 1)

	gen := &fakeGenerator{duration: 4.8}
	comp := &fakeCompiler{}
	assets := &fakeAssets{}
	w := testWorker(store, gen, comp, assets)

	result, err := w.run(context.Background(), store.prompt.ID, func(int) {})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if comp.calls != 0 {
		t.Error("single segment must not invoke the compiler")
	}
	if len(assets.fileUploads) != 0 {
		t.Error("single segment must not upload a compiled file")
	}

	// The clip IS the final asset.
	if len(store.createdCompiled) != 1 {
		t.Fatalf("expected 1 compiled record, got %d", len(store.createdCompiled))
	}
	cv := store.createdCompiled[0]
	if cv.VideoURL == nil || *cv.VideoURL != result.VideoURL {
		t.Error("compiled record URL must match the job result")
	}
	if cv.DurationSeconds == nil || *cv.DurationSeconds != 4.8 {
		t.Errorf("compiled duration should be the clip's duration, got %v", cv.DurationSeconds)
	}
}

func TestRunSegmentsUsedPreservesOrder(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 3)

	w := testWorker(store, &fakeGenerator{}, &fakeCompiler{}, &fakeAssets{duration: 14})

	if _, err := w.run(context.Background(), store.prompt.ID, func(int) {}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(store.createdCompiled) != 1 {
		t.Fatalf("expected 1 compiled record, got %d", len(store.createdCompiled))
	}

	used := store.createdCompiled[0].SegmentsUsed
	if len(used) != 3 {
		t.Fatalf("expected 3 segment ids, got %d", len(used))
	}
	for i, segment := range store.segments {
		if used[i] != segment.ID {
			t.Errorf("segments_used[%d] = %s, want %s", i, used[i], segment.ID)
		}
	}
}

func TestRunProgressMonotonicEndsAtHundred(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 3)

	w := testWorker(store, &fakeGenerator{}, &fakeCompiler{}, &fakeAssets{duration: 14})

	var reported []int
	if _, err := w.run(context.Background(), store.prompt.ID, func(p int) {
		reported = append(reported, p)
	}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(reported) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(reported); i++ {
		if reported[i] < reported[i-1] {
			t.Errorf("progress regressed: %v", reported)
			break
		}
	}
	if last := reported[len(reported)-1]; last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	if reported[0] != 10 {
		t.Errorf("first milestone = %d, want 10", reported[0])
	}
}

func TestRunGenerationFailureMarksSegment(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 2)

	gen := &fakeGenerator{failWith: errors.New("upstream unavailable")}
	w := testWorker(store, gen, &fakeCompiler{}, &fakeAssets{})

	_, err := w.run(context.Background(), store.prompt.ID, func(int) {})
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if !strings.Contains(err.Error(), "segment 1") {
		t.Errorf("error should name the failing segment: %v", err)
	}

	if len(store.failedSegments) != 1 || store.failedSegments[0] != store.segments[0].ID {
		t.Errorf("expected segment 1 marked failed, got %v", store.failedSegments)
	}
	// Later segments never start once one fails.
	if len(gen.submits) != 1 {
		t.Errorf("expected 1 generation submit before abort, got %d", len(gen.submits))
	}
	if len(store.createdCompiled) != 0 {
		t.Error("failed job must not persist a compiled record")
	}
}

func TestRunNoSegmentsIsIntegrityError(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()

	w := testWorker(store, &fakeGenerator{}, &fakeCompiler{}, &fakeAssets{})

	_, err := w.run(context.Background(), store.prompt.ID, func(int) {})
	if err == nil {
		t.Fatal("expected error for prompt with no segments")
	}
	if !IsIntegrityError(err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestRunRehomesClipBeforePersisting(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 1)

	assets := &fakeAssets{}
	w := testWorker(store, &fakeGenerator{}, &fakeCompiler{}, assets)

	if _, err := w.run(context.Background(), store.prompt.ID, func(int) {}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(assets.urlUploads) != 1 {
		t.Fatalf("expected 1 URL re-home upload, got %d", len(assets.urlUploads))
	}
	if len(store.createdClips) != 1 {
		t.Fatalf("expected 1 clip record, got %d", len(store.createdClips))
	}

	clip := store.createdClips[0]
	// The persisted URLs must be the durable copies, not the expiring
	// remote ones — the thumbnail included.
	if clip.VideoURL == nil || !strings.HasPrefix(*clip.VideoURL, "https://store.example.com/") {
		t.Errorf("clip URL not re-homed: %v", clip.VideoURL)
	}
	if clip.ThumbnailURL == nil || !strings.HasPrefix(*clip.ThumbnailURL, "https://store.example.com/") {
		t.Errorf("clip thumbnail URL not re-homed: %v", clip.ThumbnailURL)
	}
	if clip.Status != models.ClipStatusCompleted {
		t.Errorf("clip status = %s, want completed", clip.Status)
	}

	// Segment walked generating -> completed.
	updates := store.statusUpdates[store.segments[0].ID]
	if len(updates) != 2 || updates[0] != models.SegmentStatusGenerating || updates[1] != models.SegmentStatusCompleted {
		t.Errorf("unexpected segment status transitions: %v", updates)
	}
}

func TestRunReuseReconcilesSegmentStatus(t *testing.T) {
	store := newFakeStore()
	store.prompt = testPrompt()
	store.segments = testSegments(store.prompt.ID, 1)

	// A prior attempt persisted the clip but died before the status update,
	// leaving the segment stuck on failed.
	store.segments[0].Status = models.SegmentStatusFailed
	store.clips[store.segments[0].ID] = &models.GeneratedVideoClip{
		ID:             uuid.New(),
		VideoSegmentID: store.segments[0].ID,
		VideoURL:       strPtr("https://store.example.com/clips/prior.mp4"),
		Status:         models.ClipStatusCompleted,
	}

	gen := &fakeGenerator{}
	w := testWorker(store, gen, &fakeCompiler{}, &fakeAssets{})

	if _, err := w.run(context.Background(), store.prompt.ID, func(int) {}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(gen.submits) != 0 {
		t.Errorf("reuse must not regenerate, got %d submits", len(gen.submits))
	}

	updates := store.statusUpdates[store.segments[0].ID]
	if len(updates) != 1 || updates[0] != models.SegmentStatusCompleted {
		t.Errorf("segment status not reconciled to completed, transitions: %v", updates)
	}
}
