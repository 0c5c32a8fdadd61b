package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/vtonlabs/tryon/ml"
)

type tensor struct {
	data []float32

	// shape is the element count per dimension, innermost first. Tensors
	// are always contiguous; ops that change layout repack.
	shape []int
}

func newTensor(shape ...int) *tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return &tensor{data: make([]float32, n), shape: slices.Clone(shape)}
}

// dim returns the size of dimension n, treating missing trailing
// dimensions as 1.
func (t *tensor) dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}

	return t.shape[n]
}

func (t *tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *tensor) DType() ml.DType {
	return ml.DTypeF32
}

func (t *tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *tensor) Duplicate(ctx ml.Context) ml.Tensor {
	return &tensor{data: slices.Clone(t.data), shape: slices.Clone(t.shape)}
}

// apply maps f over every element.
func (t *tensor) apply(f func(float32) float32) *tensor {
	out := &tensor{data: make([]float32, len(t.data)), shape: slices.Clone(t.shape)}
	parallel(len(t.data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.data[i] = f(t.data[i])
		}
	})

	return out
}

// binary applies f elementwise, broadcasting t2 into the receiver's shape.
// Each dimension of t2 must equal the receiver's or be 1.
func (t *tensor) binary(t2 ml.Tensor, f func(a, b float32) float32) *tensor {
	b := t2.(*tensor)

	var ad, bd, bs [4]int
	stride := 1
	for i := range 4 {
		ad[i] = t.dim(i)
		bd[i] = b.dim(i)
		if bd[i] != ad[i] && bd[i] != 1 {
			panic(fmt.Sprintf("cpu: cannot broadcast %v into %v", b.shape, t.shape))
		}

		if bd[i] > 1 {
			bs[i] = stride
		}
		stride *= bd[i]
	}

	out := &tensor{data: make([]float32, len(t.data)), shape: slices.Clone(t.shape)}
	rows := ad[1] * ad[2] * ad[3]
	parallel(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			y := r % ad[1]
			c := r / ad[1] % ad[2]
			n := r / (ad[1] * ad[2])

			src := r * ad[0]
			boff := y*bs[1] + c*bs[2] + n*bs[3]
			for x := range ad[0] {
				out.data[src+x] = f(t.data[src+x], b.data[boff+x*bs[0]])
			}
		}
	})

	return out
}

func (t *tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *tensor) Neg(ctx ml.Context) ml.Tensor {
	return t.apply(func(v float32) float32 { return -v })
}

func (t *tensor) AddScalar(ctx ml.Context, s float32) ml.Tensor {
	return t.apply(func(v float32) float32 { return v + s })
}

func (t *tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.apply(func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

func (t *tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.apply(func(v float32) float32 { return float32(1 / (1 + math.Exp(-float64(v)))) })
}

func (t *tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.apply(func(v float32) float32 { return max(v, 0) })
}

func (t *tensor) LeakyRELU(ctx ml.Context, negativeSlope float32) ml.Tensor {
	return t.apply(func(v float32) float32 {
		if v < 0 {
			return v * negativeSlope
		}

		return v
	})
}

func (t *tensor) Softmax(ctx ml.Context) ml.Tensor {
	d0 := t.dim(0)
	out := &tensor{data: make([]float32, len(t.data)), shape: slices.Clone(t.shape)}
	parallel(len(t.data)/d0, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := t.data[r*d0 : (r+1)*d0]
			dst := out.data[r*d0 : (r+1)*d0]

			maxVal := row[0]
			for _, v := range row {
				maxVal = max(maxVal, v)
			}

			var sum float32
			for i, v := range row {
				dst[i] = float32(math.Exp(float64(v - maxVal)))
				sum += dst[i]
			}

			for i := range dst {
				dst[i] /= sum
			}
		}
	})

	return out
}

func (t *tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	if n != len(t.data) {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return &tensor{data: t.data, shape: slices.Clone(shape)}
}

func (t *tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute order %v does not match shape %v", order, t.shape))
	}

	var inStride [4]int
	stride := 1
	for i := range 4 {
		inStride[i] = stride
		stride *= t.dim(i)
	}

	var outShape [4]int
	var srcDim [4]int
	for i := range 4 {
		outShape[i] = 1
		srcDim[i] = i
	}
	for i, o := range order {
		outShape[i] = t.dim(o)
		srcDim[i] = o
	}

	shape := make([]int, len(order))
	for i := range order {
		shape[i] = outShape[i]
	}

	out := &tensor{data: make([]float32, len(t.data)), shape: shape}
	var di int
	for i3 := range outShape[3] {
		for i2 := range outShape[2] {
			for i1 := range outShape[1] {
				for i0 := range outShape[0] {
					si := i0*inStride[srcDim[0]] + i1*inStride[srcDim[1]] + i2*inStride[srcDim[2]] + i3*inStride[srcDim[3]]
					out.data[di] = t.data[si]
					di++
				}
			}
		}
	}

	return out
}

// sections decomposes the shape around dim into the contiguous block below
// it, the dimension itself, and the repeat count above it.
func (t *tensor) sections(dim int) (inner, d, outer int) {
	inner, d, outer = 1, t.dim(dim), 1
	for i := 0; i < dim; i++ {
		inner *= t.dim(i)
	}
	for i := dim + 1; i < 4; i++ {
		outer *= t.dim(i)
	}

	return inner, d, outer
}

func (t *tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*tensor)
	for i := range 4 {
		if i != dim && t.dim(i) != b.dim(i) {
			panic(fmt.Sprintf("cpu: cannot concat %v and %v on dim %d", t.shape, b.shape, dim))
		}
	}

	inner, da, outer := t.sections(dim)
	db := b.dim(dim)

	shape := slices.Clone(t.shape)
	for len(shape) <= dim {
		shape = append(shape, 1)
	}
	shape[dim] = da + db

	out := &tensor{data: make([]float32, (da+db)*inner*outer), shape: shape}
	for o := range outer {
		dst := out.data[o*(da+db)*inner:]
		copy(dst[:da*inner], t.data[o*da*inner:])
		copy(dst[da*inner:(da+db)*inner], b.data[o*db*inner:])
	}

	return out
}

func (t *tensor) Slice(ctx ml.Context, dim, low, high int) ml.Tensor {
	inner, d, outer := t.sections(dim)
	if low < 0 || high > d || low >= high {
		panic(fmt.Sprintf("cpu: slice [%d:%d] out of range for dim %d of %v", low, high, dim, t.shape))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = high - low

	out := &tensor{data: make([]float32, (high-low)*inner*outer), shape: shape}
	for o := range outer {
		src := t.data[(o*d+low)*inner : (o*d+high)*inner]
		copy(out.data[o*(high-low)*inner:], src)
	}

	return out
}

func (t *tensor) Chunk(ctx ml.Context, dim, chunks int) []ml.Tensor {
	d := t.dim(dim)
	if chunks < 1 || d%chunks != 0 {
		panic(fmt.Sprintf("cpu: cannot chunk dim %d of %v into %d parts", dim, t.shape, chunks))
	}

	size := d / chunks
	out := make([]ml.Tensor, chunks)
	for i := range chunks {
		out[i] = t.Slice(ctx, dim, i*size, (i+1)*size)
	}

	return out
}

func (t *tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	inner, d, outer := t.sections(dim)

	shape := slices.Clone(t.shape)
	shape[dim] = 1

	out := &tensor{data: make([]float32, inner*outer), shape: shape}
	for o := range outer {
		dst := out.data[o*inner : (o+1)*inner]
		for j := range d {
			src := t.data[(o*d+j)*inner:]
			for i := range dst {
				dst[i] += src[i]
			}
		}

		for i := range dst {
			dst[i] /= float32(d)
		}
	}

	return out
}
