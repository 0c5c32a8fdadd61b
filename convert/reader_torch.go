package convert

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// parseTorch reads a pickled PyTorch checkpoint. Lightning checkpoints
// nest the weights under "state_dict" next to trainer bookkeeping; a
// plain state dict save is the dict itself.
func parseTorch(replacer *strings.Replacer, p string) ([]Tensor, error) {
	m, err := pytorch.Load(p)
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", filepath.Base(p), err)
	}

	if sd, ok := dictGet(m, "state_dict"); ok {
		m = sd
	}

	keys, err := dictKeys(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}

	var ts []Tensor
	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			continue
		}

		v, _ := dictGet(m, k)
		t, ok := v.(*pytorch.Tensor)
		if !ok || len(t.Size) == 0 {
			// trainer bookkeeping and scalar buffers
			continue
		}

		shape := make([]uint64, len(t.Size))
		for i, dim := range t.Size {
			shape[i] = uint64(dim)
		}

		// same memory layout, dimension order flipped
		slices.Reverse(shape)

		ts = append(ts, torch{
			storage: t.Source,
			tensorBase: &tensorBase{
				name:  replacer.Replace(name),
				shape: shape,
			},
		})
	}

	return ts, nil
}

func dictKeys(m any) ([]any, error) {
	switch d := m.(type) {
	case *types.Dict:
		return d.Keys(), nil
	case *types.OrderedDict:
		keys := make([]any, 0, len(d.Map))
		for k := range d.Map {
			keys = append(keys, k)
		}

		return keys, nil
	default:
		return nil, fmt.Errorf("unexpected checkpoint layout %T", m)
	}
}

func dictGet(m, key any) (any, bool) {
	switch d := m.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		if e, ok := d.Map[key]; ok {
			return e.Value, true
		}
	}

	return nil, false
}

type torch struct {
	storage pytorch.StorageInterface
	*tensorBase
}

func (t torch) floats() ([]float32, error) {
	var f32s []float32
	switch s := t.storage.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return nil, fmt.Errorf("tensor %s: unsupported data type %T", t.name, s)
	}

	n := 1
	for _, d := range t.shape {
		n *= int(d)
	}

	if len(f32s) < n {
		return nil, fmt.Errorf("tensor %s: storage holds %d elements, want %d", t.name, len(f32s), n)
	}

	return f32s[:n], nil
}

func (t torch) WriteTo(w io.Writer) (int64, error) {
	f32s, err := t.floats()
	if err != nil {
		return 0, err
	}

	return writeFloats(w, f32s, t.Kind())
}
