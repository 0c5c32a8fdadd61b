package convert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/x448/float16"
)

// Tensor is one named weight read out of a checkpoint file.
type Tensor interface {
	Name() string
	Shape() []uint64
	Kind() uint32
	WriteTo(io.Writer) (int64, error)
}

type tensorBase struct {
	name  string
	shape []uint64
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

// Kind picks the stored type: one dimensional tensors (biases, gains)
// stay float32, everything else is written half precision.
func (t tensorBase) Kind() uint32 {
	switch len(t.shape) {
	case 0:
		panic("invalid tensor shape")
	case 1:
		return 0
	default:
		return 1
	}
}

func parseTensors(replacer *strings.Replacer, files ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, f := range files {
		switch filepath.Ext(f) {
		case ".ckpt", ".pth", ".pt", ".bin":
			t, err := parseTorch(replacer, f)
			if err != nil {
				return nil, err
			}

			ts = append(ts, t...)
		case ".safetensors":
			t, err := parseSafetensors(replacer, f)
			if err != nil {
				return nil, err
			}

			ts = append(ts, t...)
		default:
			return nil, fmt.Errorf("unknown checkpoint format %q", filepath.Base(f))
		}
	}

	if len(ts) == 0 {
		return nil, errors.New("no tensors found")
	}

	return ts, nil
}

// writeFloats writes f32s in the layout kind selects, converting to half
// precision when asked.
func writeFloats(w io.Writer, f32s []float32, kind uint32) (int64, error) {
	switch kind {
	case 0:
		return 0, binary.Write(w, binary.LittleEndian, f32s)
	case 1:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}

		return 0, binary.Write(w, binary.LittleEndian, f16s)
	default:
		return 0, fmt.Errorf("unknown storage type: %d", kind)
	}
}

// computed is a tensor synthesized in memory rather than read from a
// checkpoint: folded weights and fresh initializations.
type computed struct {
	data []float32
	kind uint32
	*tensorBase
}

func (t computed) Kind() uint32 {
	return t.kind
}

func (t computed) floats() ([]float32, error) {
	return t.data, nil
}

func (t computed) WriteTo(w io.Writer) (int64, error) {
	return writeFloats(w, t.data, t.kind)
}
