package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sample is one clip of a dataset: a directory holding an image
// subdirectory with the person frames plus one subdirectory per
// condition map.
type Sample struct {
	// ID is the clip identifier.
	ID string

	// Subfolder is the clip directory relative to the datamode root.
	// Outputs mirror it so results stay keyed the way inputs were.
	Subfolder string

	// Frames are the frame stems of the clip in playback order.
	Frames []string
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// Open scans a dataset root for the samples under one datamode, "train"
// or "test". Every clip directory must carry an image subdirectory; its
// files name the frames.
func Open(root, datamode string) ([]Sample, error) {
	dir := filepath.Join(root, datamode)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}

	var samples []Sample
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		frames, err := frameStems(filepath.Join(dir, entry.Name(), "image"))
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", entry.Name(), err)
		}

		samples = append(samples, Sample{
			ID:        entry.Name(),
			Subfolder: entry.Name(),
			Frames:    frames,
		})
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples under %s", dir)
	}

	return samples, nil
}

// frameStems lists a clip's frame identifiers. ReadDir sorts by name,
// which is playback order for zero padded frame files.
func frameStems(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var stems []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if ext := filepath.Ext(name); imageExts[strings.ToLower(ext)] {
			stems = append(stems, strings.TrimSuffix(name, ext))
		}
	}

	if len(stems) == 0 {
		return nil, errors.New("no frames")
	}

	return stems, nil
}
