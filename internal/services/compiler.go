package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Clip Compiler
// Downloads an ordered list of remote clip URLs to a private scratch dir and
// concatenates them into a single video with FFmpeg (stream copy, no
// re-encode). Exactly one input short-circuits to a straight file copy.
// ---------------------------------------------------------------------------

const (
	clipDownloadTimeout = 120 * time.Second
	ffmpegRunTimeout    = 5 * time.Minute
	thumbnailOffset     = "00:00:01"
)

// CompileError marks a non-zero exit from the external media tool, distinct
// from clip download errors.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("video compilation failed: %v", e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// ClipInput is one ordered entry in a compilation: the clip's remote URL plus
// advisory metadata. Transitions are accepted but not rendered — the
// concatenation is a simple ordered join.
type ClipInput struct {
	VideoURL   string
	Transition string
	Duration   float64
}

type CompilerService struct {
	tempRoot   string
	httpClient *http.Client
}

func NewCompilerService(tempRoot string) *CompilerService {
	if err := os.MkdirAll(tempRoot, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &CompilerService{
		tempRoot: tempRoot,
		httpClient: &http.Client{
			Timeout: clipDownloadTimeout,
		},
	}
}

// CompiledOutput bundles one compilation's artifacts with the cleanup of its
// scratch files. Cleanup is safe to call on a zero-value output.
type CompiledOutput struct {
	VideoPath     string
	ThumbnailPath string
	run           *CompileRun
}

func (o *CompiledOutput) Cleanup() {
	if o.run != nil {
		o.run.Cleanup()
	}
}

// CompileClips runs a full compilation: scratch allocation, download,
// concatenation, thumbnail. The scratch dir survives until the caller's
// Cleanup so the compiled file can be uploaded first; on error the scratch
// is released before returning.
func (s *CompilerService) CompileClips(ctx context.Context, inputs []ClipInput) (*CompiledOutput, error) {
	run, err := s.NewRun()
	if err != nil {
		return nil, err
	}

	videoPath, err := run.Compile(ctx, inputs)
	if err != nil {
		run.Cleanup()
		return nil, err
	}

	thumbPath, err := run.Thumbnail(ctx, videoPath)
	if err != nil {
		log.Printf("[FFmpeg] Warning: thumbnail extraction failed, continuing without: %v", err)
		thumbPath = ""
	}

	return &CompiledOutput{VideoPath: videoPath, ThumbnailPath: thumbPath, run: run}, nil
}

// CompileRun owns the scratch files of one compilation. It is private to a
// single job execution and must be cleaned up after the compiled file has
// been uploaded.
type CompileRun struct {
	svc *CompilerService
	dir string
}

// NewRun allocates a fresh scratch directory for one compilation.
func (s *CompilerService) NewRun() (*CompileRun, error) {
	dir, err := os.MkdirTemp(s.tempRoot, "compile_")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &CompileRun{svc: s, dir: dir}, nil
}

// Compile downloads each clip in order and produces a single local video
// file. Returns the compiled file's path inside the run's scratch dir.
func (r *CompileRun) Compile(ctx context.Context, inputs []ClipInput) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("no clips to compile")
	}

	var clipPaths []string
	for i, input := range inputs {
		path := filepath.Join(r.dir, fmt.Sprintf("clip_%03d.mp4", i))
		if err := r.downloadClip(ctx, input.VideoURL, path); err != nil {
			return "", fmt.Errorf("failed to download clip %d: %w", i+1, err)
		}
		clipPaths = append(clipPaths, path)
	}

	outputPath := filepath.Join(r.dir, "compiled.mp4")

	if len(clipPaths) == 1 {
		// Single input: straight copy, no tool invocation needed.
		if err := copyFile(clipPaths[0], outputPath); err != nil {
			return "", fmt.Errorf("failed to copy single clip: %w", err)
		}
		return outputPath, nil
	}

	listPath := filepath.Join(r.dir, "concat_list.txt")
	if err := os.WriteFile(listPath, []byte(ConcatListFile(clipPaths)), 0644); err != nil {
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}

	// Stream copy keeps concatenation fast and lossless; all inputs come
	// from the same generation service so their codecs match.
	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	runCtx, cancel := context.WithTimeout(ctx, ffmpegRunTimeout)
	defer cancel()

	log.Printf("[FFmpeg] Concatenating %d clips", len(clipPaths))

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", &CompileError{Err: fmt.Errorf("ffmpeg concatenate: %w", err)}
	}

	return outputPath, nil
}

// Thumbnail extracts a single frame from the compiled video.
func (r *CompileRun) Thumbnail(ctx context.Context, videoPath string) (string, error) {
	thumbPath := filepath.Join(r.dir, "thumbnail.jpg")

	args := []string{
		"-i", videoPath,
		"-ss", thumbnailOffset,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		thumbPath,
	}

	runCtx, cancel := context.WithTimeout(ctx, ffmpegRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", &CompileError{Err: fmt.Errorf("ffmpeg thumbnail: %w", err)}
	}

	return thumbPath, nil
}

// Cleanup removes the run's scratch directory. Best effort: failures are
// logged, never escalated, and calling it when files were never created is
// safe.
func (r *CompileRun) Cleanup() {
	if r.dir == "" {
		return
	}
	if err := os.RemoveAll(r.dir); err != nil && !os.IsNotExist(err) {
		log.Printf("[FFmpeg] Warning: scratch cleanup failed for %s: %v", r.dir, err)
	}
	r.dir = ""
}

func (r *CompileRun) downloadClip(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := r.svc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create clip file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write clip data: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("downloaded clip is empty (0 bytes)")
	}

	return nil
}

// ConcatListFile renders clip paths in FFmpeg concat-demuxer format,
// preserving input order.
func ConcatListFile(clipPaths []string) string {
	var b strings.Builder
	for _, path := range clipPaths {
		fmt.Fprintf(&b, "file '%s'\n", path)
	}
	return b.String()
}

// ProbeDuration returns a media file's duration in seconds using ffprobe.
func (s *CompilerService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return durationSec, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
