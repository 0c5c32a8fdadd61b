package imageproc

import (
	"bytes"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

func TestDefaultClipConfig(t *testing.T) {
	config := DefaultClipConfig()

	if config.FPS != 0 {
		t.Errorf("Expected FPS=0 (native rate), got %f", config.FPS)
	}

	if config.Quality != 2 {
		t.Errorf("Expected Quality=2, got %d", config.Quality)
	}

	if config.MaxFrames != 0 {
		t.Errorf("Expected MaxFrames=0, got %d", config.MaxFrames)
	}

	if config.Timeout != 60*time.Second {
		t.Errorf("Expected Timeout=60s, got %v", config.Timeout)
	}
}

func TestExtractClipEmptyData(t *testing.T) {
	frames, err := ExtractClip([]byte{}, DefaultClipConfig())

	if err == nil {
		t.Error("Expected error for empty video data, got nil")
	}

	if frames != nil {
		t.Errorf("Expected nil frames for empty data, got %d frames", len(frames))
	}

	if err.Error() != "video data is empty" {
		t.Errorf("Expected 'video data is empty' error, got: %v", err)
	}
}

func TestExtractClipInvalidData(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}

	frames, err := ExtractClip([]byte("this is not a video"), DefaultClipConfig())

	if err == nil {
		t.Error("Expected error for invalid video data, got nil")
	}

	if frames != nil {
		t.Errorf("Expected nil frames for invalid data, got %d frames", len(frames))
	}
}

// testClip renders a short synthetic clip with ffmpeg, skipping the
// test when the binary is unavailable.
func testClip(t *testing.T, duration string, rate int) []byte {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-f", "lavfi",
		"-i", "testsrc=duration="+duration+":size=320x240:rate="+strconv.Itoa(rate),
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:1",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Skip("ffmpeg not available for test video generation")
	}

	if stdout.Len() == 0 {
		t.Fatal("Generated video data is empty")
	}

	return stdout.Bytes()
}

func TestExtractClipNativeRate(t *testing.T) {
	videoData := testClip(t, "1", 5)

	// FPS 0 keeps every frame of the 1s 5fps clip.
	frames, err := ExtractClip(videoData, DefaultClipConfig())
	if err != nil {
		t.Fatalf("ExtractClip failed: %v", err)
	}

	if len(frames) < 5 {
		t.Errorf("Expected at least 5 frames at native rate, got %d", len(frames))
	}

	for i, frame := range frames {
		if frame == nil {
			t.Errorf("Frame %d is nil", i)
			continue
		}

		bounds := frame.Bounds()
		if bounds.Dx() != 320 || bounds.Dy() != 240 {
			t.Errorf("Frame %d has dimensions %dx%d, want 320x240", i, bounds.Dx(), bounds.Dy())
		}
	}
}

func TestExtractClipSampled(t *testing.T) {
	videoData := testClip(t, "2", 5)

	config := DefaultClipConfig()
	config.FPS = 2.0

	frames, err := ExtractClip(videoData, config)
	if err != nil {
		t.Fatalf("ExtractClip failed: %v", err)
	}

	if len(frames) == 0 {
		t.Error("Expected at least 1 frame, got 0")
	}

	if len(frames) >= 10 {
		t.Errorf("Expected sampling to drop frames, got %d of 10", len(frames))
	}
}

func TestExtractClipMaxFrames(t *testing.T) {
	videoData := testClip(t, "3", 5)

	config := DefaultClipConfig()
	config.MaxFrames = 3

	frames, err := ExtractClip(videoData, config)
	if err != nil {
		t.Fatalf("ExtractClip failed: %v", err)
	}

	if len(frames) > config.MaxFrames {
		t.Errorf("Expected at most %d frames, got %d", config.MaxFrames, len(frames))
	}
}

func TestExtractClipSingleFrame(t *testing.T) {
	videoData := testClip(t, "0.5", 1)

	frames, err := ExtractClip(videoData, DefaultClipConfig())
	if err != nil {
		t.Fatalf("ExtractClip failed: %v", err)
	}

	if len(frames) == 0 {
		t.Error("Expected at least 1 frame, got 0")
	}
}

func BenchmarkExtractClip(b *testing.B) {
	cmd := exec.Command("ffmpeg",
		"-f", "lavfi",
		"-i", "testsrc=duration=1:size=320x240:rate=5",
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:1",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		b.Skip("ffmpeg not available")
	}

	videoData := stdout.Bytes()
	config := DefaultClipConfig()

	b.ResetTimer()

	for range b.N {
		if _, err := ExtractClip(videoData, config); err != nil {
			b.Fatalf("ExtractClip failed: %v", err)
		}
	}
}
