// Package dataset reads VVT style try-on datasets: per sample person
// frames, garment images and named condition maps.
package dataset

// Descriptor enumerates the condition maps a dataset layout provides.
// Channel counts are resolved once at configuration time so models and
// converters never probe files to learn them.
type Descriptor struct {
	Name string

	// Channels maps condition names to per frame channel counts.
	Channels map[string]uint32
}

// VVT is the video virtual try-on layout this project ships with.
var VVT = Descriptor{
	Name: "vvt",
	Channels: map[string]uint32{
		"image":      3,
		"cloth":      3,
		"cloth_mask": 1,
		"agnostic":   22,
		"densepose":  3,
		"cocopose":   18,
		"silhouette": 1,
		"flow":       2,
	},
}
