package nn

import "github.com/vtonlabs/tryon/ml"

type Conv2D struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	t = t.Conv2D(ctx, m.Weight, s0, s1, p0, p1, d0, d1)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, 1, m.Bias.Dim(0), 1))
	}

	return t
}

type ConvTranspose2D struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

func (m *ConvTranspose2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1 int) ml.Tensor {
	t = t.ConvTranspose2D(ctx, m.Weight, s0, s1, p0, p1)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, 1, m.Bias.Dim(0), 1))
	}

	return t
}
