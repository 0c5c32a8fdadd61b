package ggml

import (
	"io"
	"maps"
	"slices"
	"strings"
)

// KV holds the key/value metadata of a model file. Keys that do not start
// with "general." are namespaced by the architecture, so lookups can use the
// short form ("width.base" rather than "sams.width.base").
type KV map[string]any

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) Name() string {
	return kv.String("general.name")
}

func (kv KV) Alignment() uint32 {
	return kv.Uint("general.alignment", 32)
}

func (kv KV) ParameterCount() uint64 {
	return keyValue(kv, "general.parameter_count", uint64(0))
}

func (kv KV) FileType() string {
	switch kv.Uint("general.file_type", 1) {
	case 1:
		return "F32"
	case 2:
		return "F16"
	default:
		return "unknown"
	}
}

func (kv KV) String(key string, defaultValue ...string) string {
	return keyValue(kv, key, append(defaultValue, "")...)
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	return keyValue(kv, key, append(defaultValue, 0)...)
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	return keyValue(kv, key, append(defaultValue, 0)...)
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	return keyValue(kv, key, append(defaultValue, false)...)
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return keyValue(kv, key, append(defaultValue, []string(nil))...)
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	return keyValue(kv, key, append(defaultValue, []uint32(nil))...)
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return keyValue(kv, key, append(defaultValue, []float32(nil))...)
}

func (kv KV) Keys() []string {
	return slices.Sorted(maps.Keys(kv))
}

type valueTypes interface {
	string | uint32 | uint64 | float32 | bool |
		[]string | []uint32 | []float32
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) T {
	if !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	if val, ok := kv[key].(T); ok {
		return val
	}

	return defaultValue[0]
}

type Tensors struct {
	items  []*Tensor
	Offset int64
}

func (s Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return s.items
	}

	var items []*Tensor
	for _, t := range s.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// GroupLayers groups tensors by stage: "enc.0.conv0.weight" lands in layer
// "enc.0" under key "conv0.weight", top level tensors under their first
// name component.
func (s Tensors) GroupLayers() map[string]Layer {
	layers := make(map[string]Layer)
	for _, t := range s.items {
		parts := strings.Split(t.Name, ".")
		index := 1
		switch parts[0] {
		case "enc", "mid", "dec", "down", "up", "attn":
			if len(parts) > 2 {
				index = 2
			}
		}

		name := strings.Join(parts[:index], ".")
		if _, ok := layers[name]; !ok {
			layers[name] = make(Layer)
		}

		layers[name][strings.Join(parts[index:], ".")] = t
	}

	return layers
}

type Layer map[string]*Tensor

func (l Layer) Size() (size uint64) {
	for _, t := range l {
		size += t.Size()
	}

	return size
}

type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeBF16 TensorType = 30
)

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeBF16:
		return "BF16"
	default:
		return "unknown"
	}
}

// TypeSize returns the width of one element in bytes.
func (t TensorType) TypeSize() uint64 {
	switch t {
	case TensorTypeF16, TensorTypeBF16:
		return 2
	default:
		return 4
	}
}

type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape is the number of elements in each dimension, innermost first.
	Shape []uint64 `json:"shape"`

	io.WriterTo `json:"-"`
}

func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

func (t Tensor) Elements() uint64 {
	count := uint64(1)
	for _, n := range t.Shape {
		count *= n
	}

	return count
}

func (t Tensor) Size() uint64 {
	return t.Elements() * TensorType(t.Kind).TypeSize()
}
