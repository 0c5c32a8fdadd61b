package convert

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

type floatSource interface {
	Tensor
	floats() ([]float32, error)
}

func tensorFloats(t Tensor) ([]float32, error) {
	fs, ok := t.(floatSource)
	if !ok {
		return nil, fmt.Errorf("tensor %s: source does not expose floats", t.Name())
	}

	return fs.floats()
}

type spectralGroup struct {
	orig, u, v Tensor
}

// foldSpectralNorm collapses spectral normalization triplets into plain
// weights. Training keeps the raw weight beside the power iteration
// vectors u and v; the effective weight is the raw one divided by the
// norm estimate u'Wv, with W flattened to a matrix on its output axis.
func foldSpectralNorm(ts []Tensor) ([]Tensor, error) {
	groups := make(map[string]*spectralGroup)
	group := func(base string) *spectralGroup {
		g, ok := groups[base]
		if !ok {
			g = &spectralGroup{}
			groups[base] = g
		}

		return g
	}

	out := make([]Tensor, 0, len(ts))
	for _, t := range ts {
		switch name := t.Name(); {
		case strings.HasSuffix(name, ".weight_orig"):
			group(strings.TrimSuffix(name, ".weight_orig")).orig = t
		case strings.HasSuffix(name, ".weight_u"):
			group(strings.TrimSuffix(name, ".weight_u")).u = t
		case strings.HasSuffix(name, ".weight_v"):
			group(strings.TrimSuffix(name, ".weight_v")).v = t
		default:
			out = append(out, t)
		}
	}

	for _, base := range slices.Sorted(maps.Keys(groups)) {
		g := groups[base]
		if g.orig == nil || g.u == nil || g.v == nil {
			return nil, fmt.Errorf("incomplete spectral norm state for %s", base)
		}

		folded, err := foldGroup(base, g)
		if err != nil {
			return nil, err
		}

		out = append(out, folded)
	}

	return out, nil
}

func foldGroup(base string, g *spectralGroup) (Tensor, error) {
	w, err := tensorFloats(g.orig)
	if err != nil {
		return nil, err
	}

	u, err := tensorFloats(g.u)
	if err != nil {
		return nil, err
	}

	v, err := tensorFloats(g.v)
	if err != nil {
		return nil, err
	}

	shape := g.orig.Shape()
	rows := int(shape[len(shape)-1])
	cols := len(w) / rows
	if len(u) != rows || len(v) != cols {
		return nil, fmt.Errorf("%s: power iteration vectors hold %d and %d elements, want %d and %d",
			base, len(u), len(v), rows, cols)
	}

	mat := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(w))
	wv, err := mat.MatVecMul(tensor.New(tensor.WithShape(cols), tensor.WithBacking(v)))
	if err != nil {
		return nil, err
	}

	dot, err := tensor.Inner(tensor.New(tensor.WithShape(rows), tensor.WithBacking(u)), wv)
	if err != nil {
		return nil, err
	}

	sigma, ok := dot.(float32)
	if !ok {
		return nil, fmt.Errorf("%s: spectral norm is %T, want float32", base, dot)
	}

	if sigma == 0 {
		return nil, fmt.Errorf("%s: spectral norm is zero", base)
	}

	scaled, err := mat.DivScalar(sigma, true)
	if err != nil {
		return nil, err
	}

	rowsView, err := native.SelectF32(scaled, 0)
	if err != nil {
		return nil, err
	}

	var f32s []float32
	for _, row := range rowsView {
		f32s = append(f32s, row...)
	}

	return &computed{
		data: f32s,
		kind: g.orig.Kind(),
		tensorBase: &tensorBase{
			name:  base + ".weight",
			shape: shape,
		},
	}, nil
}
