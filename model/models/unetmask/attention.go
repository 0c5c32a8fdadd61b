package unetmask

import (
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/nn"
)

// SelfAttention is a spatial attention block. Every position attends over
// every other position of the feature map, and the attended features are
// mixed back into the input through a learned gate that starts closed.
type SelfAttention struct {
	Query *nn.Conv2D `gguf:"query"`
	Key   *nn.Conv2D `gguf:"key"`
	Value *nn.Conv2D `gguf:"value"`
	Out   *nn.Conv2D `gguf:"out"`
	Gamma ml.Tensor  `gguf:"gamma"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	w, h, n := x.Dim(0), x.Dim(1), x.Dim(3)

	query := sa.Query.Forward(ctx, x, 1, 1, 0, 0, 1, 1)
	key := sa.Key.Forward(ctx, x, 1, 1, 0, 0, 1, 1)
	value := sa.Value.Forward(ctx, x, 1, 1, 0, 0, 1, 1)

	// Flatten the spatial grid so positions index a single dimension, with
	// channels innermost for the dot products.
	query = query.Reshape(ctx, w*h, query.Dim(2), n).Permute(ctx, 1, 0, 2)
	key = key.Reshape(ctx, w*h, key.Dim(2), n).Permute(ctx, 1, 0, 2)

	// energy[i, j] scores query position i against key position j; the
	// softmax normalizes each query's scores over the key positions.
	energy := query.Mulmat(ctx, key)
	attn := energy.Permute(ctx, 1, 0, 2, 3).Softmax(ctx)

	inner := value.Dim(2)
	value = value.Reshape(ctx, w*h, inner, n)

	o := value.Mulmat(ctx, attn)
	o = o.Permute(ctx, 1, 0, 2, 3).Reshape(ctx, w, h, inner, n)
	o = sa.Out.Forward(ctx, o, 1, 1, 0, 0, 1, 1)

	return o.Mul(ctx, sa.Gamma).Add(ctx, x)
}
