package sams

import (
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/nn"
)

// ResBlock is a residual block whose normalization is conditioned on
// named maps. When input and output widths differ the skip path carries a
// learned shortcut, itself conditioned.
type ResBlock struct {
	Norm0 *MultiSpade `gguf:"norm0"`
	Conv0 *nn.Conv2D  `gguf:"conv0"`
	Norm1 *MultiSpade `gguf:"norm1"`
	Conv1 *nn.Conv2D  `gguf:"conv1"`

	NormS *MultiSpade `gguf:"norm_s"`
	ConvS *nn.Conv2D  `gguf:"conv_s"`
}

func newResBlock(fin, fout int, norm func() *MultiSpade) *ResBlock {
	b := &ResBlock{
		Norm0: norm(),
		Norm1: norm(),
	}

	if fin != fout {
		b.NormS = norm()
	}

	return b
}

func (b *ResBlock) Forward(ctx ml.Context, t ml.Tensor, conds map[string]ml.Tensor) (ml.Tensor, error) {
	shortcut := t
	if b.NormS != nil {
		s, err := b.NormS.Forward(ctx, t, conds)
		if err != nil {
			return nil, err
		}

		shortcut = b.ConvS.Forward(ctx, s, 1, 1, 0, 0, 1, 1)
	}

	dx, err := b.Norm0.Forward(ctx, t, conds)
	if err != nil {
		return nil, err
	}
	dx = b.Conv0.Forward(ctx, dx.LeakyRELU(ctx, 0.2), 1, 1, 1, 1, 1, 1)

	dx, err = b.Norm1.Forward(ctx, dx, conds)
	if err != nil {
		return nil, err
	}
	dx = b.Conv1.Forward(ctx, dx.LeakyRELU(ctx, 0.2), 1, 1, 1, 1, 1, 1)

	return shortcut.Add(ctx, dx), nil
}

// ForwardSingle runs the block with a bare condition map; it is routed
// through each stack's only sub-layer.
func (b *ResBlock) ForwardSingle(ctx ml.Context, t, cond ml.Tensor) (ml.Tensor, error) {
	conds, err := b.Norm0.wrap(cond)
	if err != nil {
		return nil, err
	}

	return b.Forward(ctx, t, conds)
}
