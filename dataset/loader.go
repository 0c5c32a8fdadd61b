package dataset

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vtonlabs/tryon/fs"
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/model/imageproc"
)

// Conditions lists the condition maps a model consumes with their
// channel counts, including the motion field when the model was trained
// with one.
func Conditions(c fs.Config) map[string]uint32 {
	channels := make(map[string]uint32)
	for _, name := range slices.Concat(c.Strings("person_inputs"), c.Strings("cloth_inputs")) {
		channels[name] = c.Uint("condition." + name + ".channels")
	}

	if c.Bool("flow", false) {
		channels["flow"] = 2
	}

	return channels
}

// Loader packs sample files into the condition tensors a model
// consumes, resized to its training resolution.
type Loader struct {
	Root     string
	Datamode string

	// Width and Height give the resolution maps are resized to.
	Width, Height int

	// Conditions maps the condition names to load to their channel
	// counts. The count picks the packing: 3 channel maps normalize to
	// [-1,1], single channel masks to [0,1], anything wider one-hot
	// expands a label image. A 2 channel condition is a motion field
	// stored as a .flo file.
	Conditions map[string]uint32
}

// Frame loads one frame's condition maps, each shaped
// (width, height, channels, 1). The motion field, when the loader is
// configured with one, is returned separately.
func (l *Loader) Frame(ctx ml.Context, s Sample, frame string) (map[string]ml.Tensor, ml.Tensor, error) {
	conds := make(map[string]ml.Tensor, len(l.Conditions))

	var flow ml.Tensor
	for _, name := range slices.Sorted(maps.Keys(l.Conditions)) {
		path, err := l.resolve(s, name, frame)
		if err != nil {
			return nil, nil, err
		}

		t, err := l.pack(ctx, path, int(l.Conditions[name]))
		if err != nil {
			return nil, nil, fmt.Errorf("condition %q frame %q: %w", name, frame, err)
		}

		if l.Conditions[name] == 2 {
			flow = t
		} else {
			conds[name] = t
		}
	}

	return conds, flow, nil
}

// resolve finds the file backing one condition of one frame. Garment
// style conditions keep a single file per clip, everything else one
// file per frame.
func (l *Loader) resolve(s Sample, name, frame string) (string, error) {
	dir := filepath.Join(l.Root, l.Datamode, s.Subfolder, name)

	matches, err := filepath.Glob(filepath.Join(dir, frame+".*"))
	if err == nil && len(matches) > 0 {
		return matches[0], nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("condition %q: %w", name, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}

	if len(files) == 1 {
		return filepath.Join(dir, files[0]), nil
	}

	return "", fmt.Errorf("condition %q has no file for frame %q in %s", name, frame, dir)
}

func (l *Loader) pack(ctx ml.Context, path string, channels int) (ml.Tensor, error) {
	if strings.EqualFold(filepath.Ext(path), ".flo") {
		return l.packFlow(ctx, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := imageproc.Decode(f)
	if err != nil {
		return nil, err
	}

	data, err := imageproc.PackCondition(img, l.Width, l.Height, channels)
	if err != nil {
		return nil, err
	}

	return ctx.FromFloatSlice(data, l.Width, l.Height, channels, 1)
}

func (l *Loader) packFlow(ctx ml.Context, path string) (ml.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, w, h, err := ReadFlo(f)
	if err != nil {
		return nil, err
	}

	// Motion fields are in pixel units, so resampling would need the
	// vectors rescaled too. Require the training resolution instead.
	if w != l.Width || h != l.Height {
		return nil, fmt.Errorf("flow is %dx%d, want %dx%d", w, h, l.Width, l.Height)
	}

	return ctx.FromFloatSlice(data, l.Width, l.Height, 2, 1)
}
