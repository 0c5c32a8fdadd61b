package sams

import (
	"fmt"
	"maps"
	"slices"

	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/nn"
)

// DefaultKey names the condition of a stack built over a single anonymous
// condition map.
const DefaultKey = "default"

// MultiSpade chains one Spade per named condition map. Sub-layers apply
// sequentially in sorted name order, each transforming the output of the
// one before it, so the order is part of the learned function. The
// attentive variant additionally regresses a per-channel weight in [0, 1]
// from each condition map and blends that sub-layer's output in by it.
type MultiSpade struct {
	Layers map[string]*Spade
	Gates  map[string]*gate `gguf:"gate"`

	keys []string
}

// NewMultiSpade builds one normalization sub-layer per entry in channels.
// Channel counts are carried by the weights at load time; the map's keys
// define the condition set and its sorted order.
func NewMultiSpade(channels map[string]int, attentive bool) *MultiSpade {
	m := &MultiSpade{
		Layers: make(map[string]*Spade, len(channels)),
		keys:   slices.Sorted(maps.Keys(channels)),
	}

	if attentive {
		m.Gates = make(map[string]*gate, len(channels))
	}

	for key := range channels {
		m.Layers[key] = &Spade{}
		if attentive {
			m.Gates[key] = &gate{}
		}
	}

	return m
}

// NewSingleSpade builds a stack over one anonymous condition map.
func NewSingleSpade(channels int) *MultiSpade {
	return NewMultiSpade(map[string]int{DefaultKey: channels}, false)
}

// Forward normalizes t against every named condition in sorted key order.
// The supplied set must cover exactly the configured conditions.
func (m *MultiSpade) Forward(ctx ml.Context, t ml.Tensor, conds map[string]ml.Tensor) (ml.Tensor, error) {
	if len(conds) != len(m.keys) {
		return nil, fmt.Errorf("got %d condition maps for %d normalization layers", len(conds), len(m.keys))
	}

	for _, key := range m.keys {
		cond, ok := conds[key]
		if !ok {
			return nil, fmt.Errorf("missing condition map %q", key)
		}

		out := m.Layers[key].Forward(ctx, t, cond)
		if g := m.Gates[key]; g != nil {
			w := g.weight(ctx, cond)
			out = t.Add(ctx, out.Sub(ctx, t).Mul(ctx, w))
		}

		t = out
	}

	return t, nil
}

// ForwardSingle routes a bare condition map through the stack. Only valid
// when exactly one sub-layer exists; with more the mapping is ambiguous.
func (m *MultiSpade) ForwardSingle(ctx ml.Context, t, cond ml.Tensor) (ml.Tensor, error) {
	conds, err := m.wrap(cond)
	if err != nil {
		return nil, err
	}

	return m.Forward(ctx, t, conds)
}

func (m *MultiSpade) wrap(cond ml.Tensor) (map[string]ml.Tensor, error) {
	if len(m.keys) != 1 {
		return nil, fmt.Errorf("cannot route a bare condition map to %d normalization layers", len(m.keys))
	}

	return map[string]ml.Tensor{m.keys[0]: cond}, nil
}

// gate regresses how strongly one condition's normalization applies. The
// weight is per channel and batch, pooled over space.
type gate struct {
	Proj *nn.Conv2D `gguf:"proj"`
}

func (g *gate) weight(ctx ml.Context, cond ml.Tensor) ml.Tensor {
	w := g.Proj.Forward(ctx, cond, 1, 1, 0, 0, 1, 1)
	return w.Mean(ctx, 0).Mean(ctx, 1).Sigmoid(ctx)
}
