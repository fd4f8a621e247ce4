package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestGenerator(t *testing.T, handler http.HandlerFunc) (*GeneratorService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc := NewGeneratorService(server.URL, "test-key")
	svc.SetSleep(noSleep)
	return svc, server
}

func TestGenerateClampsDuration(t *testing.T) {
	var submitted GenerateRequest

	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(GenerateResponse{JobID: "job-1", Status: GenerationStatusQueued})
	})

	_, err := svc.Generate(context.Background(), GenerateRequest{
		Prompt:   "a neuron firing",
		Duration: 30,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if submitted.Duration != MaxClipDurationSeconds {
		t.Errorf("expected duration clamped to %d, got %d", MaxClipDurationSeconds, submitted.Duration)
	}
}

func TestGenerateRejectsMissingJobID(t *testing.T) {
	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	})

	_, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "x", Duration: 3})
	if err == nil {
		t.Fatal("expected error for missing job_id")
	}

	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestPollUntilCompleteSuccess(t *testing.T) {
	var polls atomic.Int32

	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		resp := StatusResponse{JobID: "job-1", Status: GenerationStatusProcessing}
		if n >= 3 {
			resp.Status = GenerationStatusCompleted
			resp.VideoURL = "https://cdn.example.com/clip.mp4"
			resp.ThumbnailURL = "https://cdn.example.com/thumb.jpg"
			resp.Duration = 4.8
		}
		json.NewEncoder(w).Encode(resp)
	})

	result, err := svc.PollUntilComplete(context.Background(), "job-1", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("PollUntilComplete failed: %v", err)
	}

	if result.VideoURL != "https://cdn.example.com/clip.mp4" {
		t.Errorf("unexpected video URL: %s", result.VideoURL)
	}
	if result.Duration != 4.8 {
		t.Errorf("expected duration 4.8, got %v", result.Duration)
	}
	if got := polls.Load(); got != 3 {
		t.Errorf("expected 3 polls, got %d", got)
	}
}

func TestPollUntilCompleteRemoteFailure(t *testing.T) {
	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{
			JobID:  "job-1",
			Status: GenerationStatusFailed,
			Error:  "content policy violation",
		})
	})

	_, err := svc.PollUntilComplete(context.Background(), "job-1", 10, time.Millisecond)
	if err == nil {
		t.Fatal("expected error for failed job")
	}

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %T: %v", err, err)
	}
	if genErr.Message != "content policy violation" {
		t.Errorf("expected remote message preserved, got %q", genErr.Message)
	}
}

func TestPollUntilCompleteTimeout(t *testing.T) {
	var polls atomic.Int32

	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		json.NewEncoder(w).Encode(StatusResponse{JobID: "job-1", Status: GenerationStatusProcessing})
	})

	_, err := svc.PollUntilComplete(context.Background(), "job-1", 5, time.Millisecond)
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}

	if got := polls.Load(); got != 5 {
		t.Errorf("expected exactly 5 polls before timeout, got %d", got)
	}
}

func TestPollUntilCompleteMissingVideoURL(t *testing.T) {
	svc, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{JobID: "job-1", Status: GenerationStatusCompleted})
	})

	_, err := svc.PollUntilComplete(context.Background(), "job-1", 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error for completed job without video URL")
	}

	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
	// A data-integrity error must not look like a timeout — the two are
	// handled differently by callers.
	if errors.Is(err, ErrGenerationTimeout) {
		t.Error("integrity error must not match ErrGenerationTimeout")
	}
}
