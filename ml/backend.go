// Package ml provides the tensor runtime the models execute on. Backends
// implement dense float math behind a small interface so the model code
// stays independent of how the kernels run.
//
// Tensors are addressed innermost dimension first, matching the on-disk
// layout of model files: an image batch has shape (width, height, channels,
// batch) with width contiguous in memory. This is the same memory layout as
// row-major NCHW, only the dimension numbering is reversed.
package ml

import (
	"fmt"
	"os"

	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/fs"
)

type Backend interface {
	Config() fs.Config

	// Get returns the named weight tensor, or nil if the model file does
	// not carry it.
	Get(name string) Tensor

	NewContext() Context
}

var backends = make(map[string]func(*os.File) (Backend, error))

// RegisterBackend registers a backend constructor under a name. Backends
// register themselves in init; registering the same name twice panics.
func RegisterBackend(name string, f func(*os.File) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend loads a model file with the backend selected by
// envconfig.Backend.
func NewBackend(f *os.File) (Backend, error) {
	if backend, ok := backends[envconfig.Backend]; ok {
		return backend(f)
	}

	return nil, fmt.Errorf("unsupported backend %q", envconfig.Backend)
}

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	// Forward marks tensors as outputs of the current graph. Compute
	// materializes them. Backends that execute eagerly may treat both as
	// no-ops; the pair exists so graph-building backends can schedule work
	// behind the same model code.
	Forward(...Tensor) Context
	Compute(...Tensor)

	Close()
}

// SamplingMode selects the filter used by Interpolate.
type SamplingMode int

const (
	SamplingNearest SamplingMode = iota
	SamplingBilinear
)

type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns the tensor contents as float32 in layout order.
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Neg(ctx Context) Tensor
	AddScalar(ctx Context, s float32) Tensor

	Tanh(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	RELU(ctx Context) Tensor
	LeakyRELU(ctx Context, negativeSlope float32) Tensor

	// Softmax normalizes along dimension 0.
	Softmax(ctx Context) Tensor

	// Mulmat contracts the innermost dimension: for t with shape (k, m,
	// b...) and t2 with shape (k, n, b...) the result has shape (m, n,
	// b...), batched over the outer dimensions.
	Mulmat(ctx Context, t2 Tensor) Tensor

	// Conv2D convolves the receiver, shaped (w, h, cin, n), with a kernel
	// shaped (kw, kh, cin, cout). s, p and d are stride, padding and
	// dilation per spatial axis.
	Conv2D(ctx Context, kernel Tensor, s0, s1, p0, p1, d0, d1 int) Tensor

	// ConvTranspose2D applies the transposed convolution with a kernel
	// shaped (kw, kh, cout, cin).
	ConvTranspose2D(ctx Context, kernel Tensor, s0, s1, p0, p1 int) Tensor

	// BatchNorm normalizes each channel over (width, height, batch) with
	// batch statistics and no affine parameters. InstanceNorm normalizes
	// each (channel, batch) pair over (width, height).
	BatchNorm(ctx Context, eps float32) Tensor
	InstanceNorm(ctx Context, eps float32) Tensor

	// Interpolate resamples the spatial dimensions to w by h.
	Interpolate(ctx Context, w, h int, mode SamplingMode) Tensor

	// Mean reduces dimension dim to size 1.
	Mean(ctx Context, dim int) Tensor

	// Warp resamples the receiver by a per-pixel displacement field shaped
	// (w, h, 2, n) holding x and y offsets in pixels, sampling bilinearly
	// with border clamping.
	Warp(ctx Context, flow Tensor) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// Permute reorders dimensions and returns the result repacked
	// contiguously.
	Permute(ctx Context, order ...int) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Chunk splits dimension dim into chunks equal parts.
	Chunk(ctx Context, dim, chunks int) []Tensor

	// Slice copies the half-open range [low, high) of dimension dim.
	Slice(ctx Context, dim, low, high int) Tensor

	Duplicate(ctx Context) Tensor
}

type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeI32
)
