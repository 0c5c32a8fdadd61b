package sams

import (
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/nn"
)

const normEpsilon = 1e-5

// Spade normalizes a feature map with a parameter free batchnorm and
// re-modulates it with a scale and shift regressed from a condition map.
// The condition map is resampled to the feature resolution first, so
// callers can pass it at its native size.
type Spade struct {
	Shared *nn.Conv2D `gguf:"mlp_shared"`
	Gamma  *nn.Conv2D `gguf:"mlp_gamma"`
	Beta   *nn.Conv2D `gguf:"mlp_beta"`
}

func (s *Spade) Forward(ctx ml.Context, t, cond ml.Tensor) ml.Tensor {
	norm := t.BatchNorm(ctx, normEpsilon)

	cond = cond.Interpolate(ctx, t.Dim(0), t.Dim(1), ml.SamplingNearest)
	actv := s.Shared.Forward(ctx, cond, 1, 1, 1, 1, 1, 1).RELU(ctx)

	gamma := s.Gamma.Forward(ctx, actv, 1, 1, 1, 1, 1, 1)
	beta := s.Beta.Forward(ctx, actv, 1, 1, 1, 1, 1, 1)

	return norm.Mul(ctx, gamma.AddScalar(ctx, 1)).Add(ctx, beta)
}
