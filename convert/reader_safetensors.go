package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// parseSafetensors reads a safetensors export of a checkpoint. A JSON
// header names every tensor with its byte range in the body that
// follows it.
func parseSafetensors(replacer *strings.Replacer, p string) ([]Tensor, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	var ts []Tensor
	names := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		value := headers[key]
		if value.Type == "" {
			// The __metadata__ entry carries no tensor.
			continue
		}

		if len(value.Shape) == 0 {
			return nil, fmt.Errorf("tensor %q has no shape", key)
		}

		name := replacer.Replace(key)
		if _, ok := names[name]; ok {
			return nil, fmt.Errorf("duplicate tensor name %q", name)
		}
		names[name] = struct{}{}

		// same memory layout, dimension order flipped
		shape := slices.Clone(value.Shape)
		slices.Reverse(shape)

		ts = append(ts, safetensor{
			path:   p,
			dtype:  value.Type,
			offset: 8 + n + value.Offsets[0],
			size:   value.Offsets[1] - value.Offsets[0],
			tensorBase: &tensorBase{
				name:  name,
				shape: shape,
			},
		})
	}

	return ts, nil
}

type safetensor struct {
	path   string
	dtype  string
	offset int64
	size   int64
	*tensorBase
}

func (st safetensor) floats() ([]float32, error) {
	f, err := os.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, err
	}

	switch st.dtype {
	case "F32":
		f32s := make([]float32, st.size/4)
		if err := binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}

		return f32s, nil
	case "F16":
		u16s := make([]uint16, st.size/2)
		if err := binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}

		return f32s, nil
	case "BF16":
		u8s := make([]uint8, st.size)
		if err := binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", st.dtype)
	}
}

func (st safetensor) WriteTo(w io.Writer) (int64, error) {
	f32s, err := st.floats()
	if err != nil {
		return 0, err
	}

	return writeFloats(w, f32s, st.Kind())
}
