// Package cpu implements ml.Backend with plain Go kernels. Tensors are
// dense float32 in memory regardless of their type on disk, and every op
// computes eagerly on the calling goroutine plus a bounded worker pool.
package cpu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/d4l3k/go-bfloat16"
	"golang.org/x/sync/errgroup"

	"github.com/vtonlabs/tryon/format"
	"github.com/vtonlabs/tryon/fs"
	"github.com/vtonlabs/tryon/fs/ggml"
	"github.com/vtonlabs/tryon/logutil"
	"github.com/vtonlabs/tryon/ml"
)

type Backend struct {
	kv      ggml.KV
	tensors map[string]*tensor
}

func New(f *os.File) (ml.Backend, error) {
	meta, err := ggml.Decode(f)
	if err != nil {
		return nil, err
	}

	items := meta.Tensors().Items()
	slog.Info("loading model",
		"architecture", meta.KV().Architecture(),
		"file_type", meta.KV().FileType(),
		"tensors", len(items),
		"size", format.HumanBytes(meta.Length))

	tensors := make(map[string]*tensor, len(items))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, item := range items {
		g.Go(func() error {
			bts := make([]byte, item.Size())
			if _, err := f.ReadAt(bts, meta.Tensors().Offset+int64(item.Offset)); err != nil {
				return fmt.Errorf("read tensor %s: %w", item.Name, err)
			}

			var data []float32
			switch ggml.TensorType(item.Kind) {
			case ggml.TensorTypeF32:
				data = make([]float32, item.Elements())
				for i := range data {
					data[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[4*i:]))
				}
			case ggml.TensorTypeF16:
				data = ggml.F16ToF32(bts)
			case ggml.TensorTypeBF16:
				data = bfloat16.DecodeFloat32(bts)
			default:
				return fmt.Errorf("tensor %s has unsupported type %s", item.Name, item.Type())
			}

			shape := make([]int, len(item.Shape))
			for i, d := range item.Shape {
				shape[i] = int(d)
			}

			logutil.Trace("materialized", "tensor", item.Name, "shape", shape)

			mu.Lock()
			tensors[item.Name] = &tensor{data: data, shape: shape}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Backend{kv: meta.KV(), tensors: tensors}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) Config() fs.Config {
	return b.kv
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &context{}
}

type context struct{}

func (c *context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(shape...)
}

func (c *context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}

	if n != len(s) {
		return nil, fmt.Errorf("cpu: invalid shape %v for %d elements", shape, len(s))
	}

	t := newTensor(shape...)
	copy(t.data, s)
	return t, nil
}

func (c *context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c *context) Compute(...ml.Tensor) {}

func (c *context) Close() {}
