//go:build !ffmpeg || !cgo

package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// extractClip shells out to a system ffmpeg binary, decoding through
// temporary JPEG frames.
func extractClip(videoData []byte, config ClipConfig) ([]image.Image, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("video support unavailable: ffmpeg not in PATH (build with -tags ffmpeg,cgo for linked FFmpeg)")
	}

	tempDir, err := os.MkdirTemp("", "tryon-clip-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	videoPath := filepath.Join(tempDir, "input.mp4")
	if err := os.WriteFile(videoPath, videoData, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write video file: %w", err)
	}

	args := []string{"-i", videoPath, "-vsync", "0"}
	if config.FPS > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%.2f", config.FPS))
	}

	if config.Quality > 0 {
		args = append(args, "-q:v", fmt.Sprintf("%d", config.Quality))
	}

	if config.MaxFrames > 0 {
		args = append(args, "-frames:v", fmt.Sprintf("%d", config.MaxFrames))
	}

	framePattern := filepath.Join(tempDir, "frame_%06d.jpg")
	args = append(args, framePattern)

	cmd := exec.Command("ffmpeg", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if config.Timeout > 0 {
		timer := time.AfterFunc(config.Timeout, func() {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		})
		defer timer.Stop()
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg extraction failed: %w (stderr: %s)", err, stderr.String())
	}

	// Glob returns the pattern matches sorted, which keeps frame order.
	frameFiles, err := filepath.Glob(filepath.Join(tempDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}

	if len(frameFiles) == 0 {
		return nil, fmt.Errorf("no frames extracted from video")
	}

	frames := make([]image.Image, 0, len(frameFiles))
	for _, framePath := range frameFiles {
		frameData, err := os.ReadFile(framePath)
		if err != nil {
			return nil, err
		}

		img, err := Decode(bytes.NewReader(frameData))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame %s: %w", framePath, err)
		}

		frames = append(frames, img)
	}

	return frames, nil
}
