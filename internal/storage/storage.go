package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Upload timeout per attempt — generous for multi-segment videos
	uploadTimeout = 180 * time.Second

	// Download timeout (proxying remote URLs into storage)
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// DurationProber measures a local media file's duration. Wired to the
// compiler service's ffprobe at boot.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// UploadResult is the asset store contract's return: a durable public URL,
// a derived thumbnail URL, and the asset's duration.
type UploadResult struct {
	URL          string
	ThumbnailURL string
	Duration     float64
}

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	prober     DurationProber
}

func New(url, serviceKey, bucket string, prober DurationProber) *Storage {
	return &Storage{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		prober:     prober,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// UploadVideo uploads a local video file into the given folder and returns
// its durable URL, thumbnail URL, and measured duration. thumbnailPath may be
// empty; the thumbnail URL is then empty too.
func (s *Storage) UploadVideo(ctx context.Context, localPath, thumbnailPath, folder string) (*UploadResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read video file %s: %w", localPath, err)
	}

	name := uuid.NewString()
	videoKey := path.Join(folder, name+".mp4")
	if err := s.upload(ctx, videoKey, data, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to upload video: %w", err)
	}

	result := &UploadResult{URL: s.PublicURL(videoKey)}

	if thumbnailPath != "" {
		thumbData, err := os.ReadFile(thumbnailPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read thumbnail file %s: %w", thumbnailPath, err)
		}
		thumbKey := path.Join(folder, name+"_thumb.jpg")
		if err := s.upload(ctx, thumbKey, thumbData, "image/jpeg"); err != nil {
			return nil, fmt.Errorf("failed to upload thumbnail: %w", err)
		}
		result.ThumbnailURL = s.PublicURL(thumbKey)
	}

	if s.prober != nil {
		duration, err := s.prober.ProbeDuration(ctx, localPath)
		if err != nil {
			log.Printf("[Storage] Warning: could not probe duration for %s: %v", localPath, err)
		} else {
			result.Duration = duration
		}
	}

	return result, nil
}

// UploadFromURL proxies a remote asset into durable storage. The generation
// service's result URLs expire, so the clip and its thumbnail are both
// re-homed before being recorded.
func (s *Storage) UploadFromURL(ctx context.Context, remoteURL, thumbnailURL, folder string) (*UploadResult, error) {
	data, err := s.fetch(ctx, remoteURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote asset: %w", err)
	}

	name := uuid.NewString()
	videoKey := path.Join(folder, name+".mp4")
	if err := s.upload(ctx, videoKey, data, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to upload proxied asset: %w", err)
	}

	result := &UploadResult{URL: s.PublicURL(videoKey)}

	// The thumbnail expires with the video URL. Losing it is not worth
	// failing the clip over, so thumbnail problems only log.
	if thumbnailURL != "" {
		if thumbData, err := s.fetch(ctx, thumbnailURL); err != nil {
			log.Printf("[Storage] Warning: could not fetch remote thumbnail: %v", err)
		} else {
			thumbKey := path.Join(folder, name+"_thumb.jpg")
			if err := s.upload(ctx, thumbKey, thumbData, "image/jpeg"); err != nil {
				log.Printf("[Storage] Warning: could not upload thumbnail: %v", err)
			} else {
				result.ThumbnailURL = s.PublicURL(thumbKey)
			}
		}
	}

	if s.prober != nil {
		if duration, err := s.probeBytes(ctx, data); err != nil {
			log.Printf("[Storage] Warning: could not probe duration for proxied asset: %v", err)
		} else {
			result.Duration = duration
		}
	}

	return result, nil
}

// probeBytes measures in-memory media by spilling it to a temp file; the
// prober only works on paths.
func (s *Storage) probeBytes(ctx context.Context, data []byte) (float64, error) {
	f, err := os.CreateTemp("", "probe_*.mp4")
	if err != nil {
		return 0, err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	return s.prober.ProbeDuration(ctx, f.Name())
}

// PublicURL returns the durable public URL for a stored object.
func (s *Storage) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

// upload PUTs an object with retries and exponential backoff.
func (s *Storage) upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Upload retry %d/%d for %s (waiting %v)...", attempt, maxRetries, key, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own generous timeout, independent of caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)

		req, err := http.NewRequestWithContext(uploadCtx, "PUT", url, bytes.NewReader(data))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if IsRetryableError(err) {
				log.Printf("[Storage] Upload attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 0 {
				log.Printf("[Storage] Upload succeeded on attempt %d for %s", attempt+1, key)
			}
			return nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))

		if IsRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Upload attempt %d returned status %d (retryable): %s", attempt+1, resp.StatusCode, truncate(string(body), 200))
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return lastErr
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// fetch GETs a remote URL with retries.
func (s *Storage) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Fetch retry %d/%d for %s (waiting %v)...", attempt, maxRetries, url, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)

		req, err := http.NewRequestWithContext(dlCtx, "GET", url, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to fetch: %w", err)
			if IsRetryableError(err) {
				log.Printf("[Storage] Fetch attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			if err != nil {
				lastErr = fmt.Errorf("failed to read fetch body: %w", err)
				log.Printf("[Storage] Fetch attempt %d read failed: %v", attempt+1, err)
				continue
			}
			return data, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		lastErr = fmt.Errorf("fetch failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))

		if IsRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Fetch attempt %d returned status %d (retryable)", attempt+1, resp.StatusCode)
			continue
		}

		return nil, lastErr
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", maxRetries+1, lastErr)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// IsRetryableError checks if a network-level error is worth retrying
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRetryableStatus checks if an HTTP status code is worth retrying
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
