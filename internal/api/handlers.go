package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/db"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/models"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/queue"
)

type Handler struct {
	db    *db.DB
	queue *queue.Queue
}

func NewHandler(database *db.DB, q *queue.Queue) *Handler {
	return &Handler{
		db:    database,
		queue: q,
	}
}

// GenerateVideo handles POST /v1/videos/generate — the enqueue contract.
func (h *Handler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	if req.PromptID == "" {
		respondError(w, http.StatusBadRequest, "promptId is required")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	promptID, err := uuid.Parse(req.PromptID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "promptId must be a valid UUID")
		return
	}

	// Reject before enqueueing when the prompt doesn't exist — a queued job
	// for a missing prompt would only fail in the worker.
	if _, err := h.db.GetVideoPrompt(r.Context(), promptID); err != nil {
		respondError(w, http.StatusNotFound, "Video prompt not found")
		return
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}

	jobID, err := h.queue.Enqueue(r.Context(), promptID, req.UserID, priority)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.GenerateVideoResponse{
		JobID:    jobID,
		PromptID: promptID,
		Status:   models.JobStatusWaiting,
	})
}

// GetVideoStatus handles GET /v1/videos/{promptId}/status — the status
// contract for polling UIs.
func (h *Handler) GetVideoStatus(w http.ResponseWriter, r *http.Request) {
	promptID, err := uuid.Parse(chi.URLParam(r, "promptId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid prompt ID")
		return
	}

	status, err := h.queue.GetStatus(r.Context(), promptID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job status")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// GetVideoPrompt handles GET /v1/videos/{promptId} — the prompt read view
// with segments, their latest clips, and the compiled video if present.
func (h *Handler) GetVideoPrompt(w http.ResponseWriter, r *http.Request) {
	promptID, err := uuid.Parse(chi.URLParam(r, "promptId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid prompt ID")
		return
	}

	prompt, err := h.db.GetVideoPrompt(r.Context(), promptID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Video prompt not found")
		return
	}

	segments, err := h.db.GetPromptSegments(r.Context(), promptID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get segments")
		return
	}

	compiled, err := h.db.GetCompletedCompiledVideo(r.Context(), promptID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get compiled video")
		return
	}

	respondJSON(w, http.StatusOK, models.PromptResponse{
		VideoPrompt:   *prompt,
		Segments:      h.buildSegmentResponses(r.Context(), segments),
		CompiledVideo: compiled,
	})
}

// ListRecentVideos handles GET /v1/videos/recent — ids of recently
// completed jobs, newest first.
func (h *Handler) ListRecentVideos(w http.ResponseWriter, r *http.Request) {
	jobIDs, err := h.queue.RecentCompleted(r.Context(), 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list recent videos")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"job_ids": jobIDs})
}

// Helper methods
func (h *Handler) buildSegmentResponses(ctx context.Context, segments []models.VideoSegment) []models.SegmentResponse {
	responses := make([]models.SegmentResponse, len(segments))
	for i, segment := range segments {
		responses[i] = models.SegmentResponse{VideoSegment: segment}
		if clip, err := h.db.GetLatestCompletedClip(ctx, segment.ID); err == nil && clip != nil {
			responses[i].LatestClip = clip
		}
	}
	return responses
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
