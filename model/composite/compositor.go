// Package composite turns raw generator channels into a finished try-on
// frame by masked blending against the garment render and, optionally,
// a flow warped previous frame.
package composite

import (
	"errors"
	"fmt"

	"github.com/vtonlabs/tryon/ml"
)

type Compositor struct {
	// Frames is the temporal window width the generator emits.
	Frames int

	// Flow enables motion compensated blending with the previous frame.
	Flow bool
}

// Channels reports how many raw channels the compositor consumes: RGB
// plus a composite mask per frame, and a blend weight per frame when flow
// is enabled.
func (c *Compositor) Channels() int {
	n := 4 * c.Frames
	if c.Flow {
		n += c.Frames
	}

	return n
}

// Forward splits raw generator output into rendered image, composite mask
// and blend weight sections, bounds them with tanh and sigmoid, selects
// the newest frame slot of the window, optionally blends a flow warped
// previous frame into the render, and alpha composites the garment over
// the result.
func (c *Compositor) Forward(ctx ml.Context, raw, garment, flow, previous ml.Tensor) (ml.Tensor, error) {
	if got := raw.Dim(2); got != c.Channels() {
		return nil, fmt.Errorf("generator emitted %d channels, compositor needs %d", got, c.Channels())
	}

	if garment.Dim(2) != 3 {
		return nil, fmt.Errorf("garment render must be RGB, got %d channels", garment.Dim(2))
	}

	boundary := 3 * c.Frames
	weightBoundary := 4 * c.Frames

	rendered := raw.Slice(ctx, 2, 0, boundary).Tanh(ctx)
	masks := raw.Slice(ctx, 2, boundary, weightBoundary).Sigmoid(ctx)

	slot := c.Frames - 1
	r := rendered.Chunk(ctx, 2, c.Frames)[slot]
	mask := masks.Chunk(ctx, 2, c.Frames)[slot]

	foreground := r
	if c.Flow {
		if flow == nil {
			return nil, errors.New("flow field required when flow blending is enabled")
		}

		weight := raw.Slice(ctx, 2, weightBoundary, c.Channels()).
			Sigmoid(ctx).
			Chunk(ctx, 2, c.Frames)[slot]

		if previous == nil {
			previous = ctx.Zeros(ml.DTypeF32, r.Dim(0), r.Dim(1), 3, r.Dim(3))
		}
		warped := previous.Warp(ctx, flow)

		foreground = warped.Mul(ctx, weight.Neg(ctx).AddScalar(ctx, 1)).Add(ctx, r.Mul(ctx, weight))
	}

	return garment.Mul(ctx, mask).Add(ctx, foreground.Mul(ctx, mask.Neg(ctx).AddScalar(ctx, 1))), nil
}
