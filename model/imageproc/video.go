package imageproc

import (
	"errors"
	"image"
	"time"
)

// ClipConfig controls how person frames are pulled out of a video file.
type ClipConfig struct {
	// FPS is the sampling rate; 0 keeps the clip's native frame rate,
	// which is what the per frame synthesis loop wants.
	FPS float64

	// Quality is the intermediate JPEG quality for the ffmpeg binary
	// fallback (1-31, lower is better).
	Quality int

	// MaxFrames caps the number of extracted frames, 0 for no cap.
	MaxFrames int

	// Timeout bounds the ffmpeg binary fallback.
	Timeout time.Duration
}

// DefaultClipConfig extracts every frame at high quality.
func DefaultClipConfig() ClipConfig {
	return ClipConfig{
		Quality: 2,
		Timeout: 60 * time.Second,
	}
}

// ExtractClip decodes a video into its frames, in order. Built with
// -tags ffmpeg,cgo it uses the linked FFmpeg libraries, otherwise it
// shells out to an ffmpeg binary.
func ExtractClip(videoData []byte, config ClipConfig) ([]image.Image, error) {
	if len(videoData) == 0 {
		return nil, errors.New("video data is empty")
	}

	return extractClip(videoData, config)
}
