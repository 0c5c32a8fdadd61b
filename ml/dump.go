package ml

import (
	"slices"
	"strconv"
	"strings"
)

type dumpOptions struct {
	precision int
	threshold int
	edgeItems int
}

// DumpOption adjusts how Dump renders a tensor.
type DumpOption func(*dumpOptions)

// DumpWithPrecision sets the number of decimal places printed.
func DumpWithPrecision(n int) DumpOption {
	return func(o *dumpOptions) { o.precision = n }
}

// DumpWithEdgeItems sets how many leading and trailing elements of each
// dimension are printed when the middle is elided.
func DumpWithEdgeItems(n int) DumpOption {
	return func(o *dumpOptions) { o.edgeItems = n }
}

// DumpWithThreshold sets the element count up to which the whole tensor
// is printed without eliding.
func DumpWithThreshold(n int) DumpOption {
	return func(o *dumpOptions) { o.threshold = n }
}

// Dump renders a tensor for debugging, eliding the middle of large
// dimensions.
func Dump(ctx Context, t Tensor, opts ...DumpOption) string {
	o := dumpOptions{precision: 4, threshold: 1000, edgeItems: 3}
	for _, opt := range opts {
		opt(&o)
	}

	ctx.Forward(t).Compute(t)
	data := t.Floats()

	n := 1
	for _, d := range t.Shape() {
		n *= d
	}

	edge := o.edgeItems
	if n <= o.threshold {
		edge = n
	}

	// Printed outermost dimension first.
	dims := slices.Clone(t.Shape())
	slices.Reverse(dims)

	var sb strings.Builder
	dumpDim(&sb, data, dims, 0, 1, edge, o.precision)
	return sb.String()
}

func dumpDim(sb *strings.Builder, data []float32, dims []int, offset, depth, edge, prec int) {
	sb.WriteString("[")
	defer sb.WriteString("]")

	stride := 1
	for _, d := range dims[1:] {
		stride *= d
	}

	for i := 0; i < dims[0]; i++ {
		if dims[0] > 2*edge && i == edge {
			sb.WriteString("..., ")
			if len(dims) > 1 {
				sb.WriteString(strings.Repeat("\n", len(dims)-1) + strings.Repeat(" ", depth))
			}
			i = dims[0] - edge - 1
			continue
		}

		if len(dims) > 1 {
			dumpDim(sb, data, dims[1:], offset+i*stride, depth+1, edge, prec)
			if i < dims[0]-1 {
				sb.WriteString("," + strings.Repeat("\n", len(dims)-1) + strings.Repeat(" ", depth))
			}
			continue
		}

		text := strconv.FormatFloat(float64(data[offset+i]), 'f', prec, 32)
		if len(text) > 0 && text[0] != '-' {
			sb.WriteString(" ")
		}

		sb.WriteString(text)
		if i < dims[0]-1 {
			sb.WriteString(", ")
		}
	}
}
