package composite

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/backend/cpu"
)

func fill(t *testing.T, ctx ml.Context, v float32, shape ...int) ml.Tensor {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}

	out, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}

	return out
}

// rawFrame packs per channel constants into a single frame generator
// output: three rendered channels, one mask channel, and optionally one
// blend weight channel.
func rawFrame(t *testing.T, ctx ml.Context, w, h int, channels ...float32) ml.Tensor {
	t.Helper()

	data := make([]float32, 0, w*h*len(channels))
	for _, c := range channels {
		for range w * h {
			data = append(data, c)
		}
	}

	out, err := ctx.FromFloatSlice(data, w, h, len(channels), 1)
	if err != nil {
		t.Fatal(err)
	}

	return out
}

func TestCompositeMaskBoundaries(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	c := &Compositor{Frames: 1}
	garment := fill(t, ctx, 0.25, 2, 2, 3, 1)

	// Raw mask logits far into sigmoid saturation make the mask exactly
	// 0 or 1 in float32, so the composite must be exactly one source.
	t.Run("mask one is pure garment", func(t *testing.T) {
		raw := rawFrame(t, ctx, 2, 2, 0.5, 0.5, 0.5, 40)
		out, err := c.Forward(ctx, raw, garment, nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(garment.Floats(), out.Floats()); diff != "" {
			t.Errorf("unexpected composite (-want +got):\n%s", diff)
		}
	})

	t.Run("mask zero is pure render", func(t *testing.T) {
		raw := rawFrame(t, ctx, 2, 2, 0.5, 0.5, 0.5, -40)
		out, err := c.Forward(ctx, raw, garment, nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		rendered := raw.Slice(ctx, 2, 0, 3).Tanh(ctx)
		if diff := cmp.Diff(rendered.Floats(), out.Floats()); diff != "" {
			t.Errorf("unexpected composite (-want +got):\n%s", diff)
		}
	})
}

func TestCompositeSelectsNewestFrame(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	c := &Compositor{Frames: 2}
	garment := fill(t, ctx, 1, 2, 2, 3, 1)

	// Frame 0 renders -5, frame 1 renders +5. Masks select pure render.
	raw := rawFrame(t, ctx, 2, 2,
		-5, -5, -5, 5, 5, 5, // rendered, frames 0 and 1
		-40, -40) // masks, frames 0 and 1
	out, err := c.Forward(ctx, raw, garment, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := fill(t, ctx, 0.9999092, 2, 2, 3, 1)
	if diff := cmp.Diff(want.Floats(), out.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("expected tanh(5) from the newest frame (-want +got):\n%s", diff)
	}
}

func TestCompositeFlowBlend(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	c := &Compositor{Frames: 1, Flow: true}
	garment := fill(t, ctx, 1, 2, 2, 3, 1)
	previous := fill(t, ctx, 0.75, 2, 2, 3, 1)
	still := fill(t, ctx, 0, 2, 2, 2, 1)

	t.Run("weight zero keeps the warped frame", func(t *testing.T) {
		raw := rawFrame(t, ctx, 2, 2, 5, 5, 5, -40, -40)
		out, err := c.Forward(ctx, raw, garment, still, previous)
		if err != nil {
			t.Fatal(err)
		}

		// Zero flow warps the previous frame onto itself.
		if diff := cmp.Diff(previous.Floats(), out.Floats()); diff != "" {
			t.Errorf("unexpected composite (-want +got):\n%s", diff)
		}
	})

	t.Run("weight one keeps the render", func(t *testing.T) {
		raw := rawFrame(t, ctx, 2, 2, 5, 5, 5, -40, 40)
		out, err := c.Forward(ctx, raw, garment, still, previous)
		if err != nil {
			t.Fatal(err)
		}

		want := make([]float32, 12)
		for i := range want {
			want[i] = 0.9999092 // tanh(5)
		}
		if diff := cmp.Diff(want, out.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
			t.Errorf("unexpected composite (-want +got):\n%s", diff)
		}
	})

	t.Run("no history warps zeros", func(t *testing.T) {
		raw := rawFrame(t, ctx, 2, 2, 5, 5, 5, -40, -40)
		out, err := c.Forward(ctx, raw, garment, still, nil)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(make([]float32, 12), out.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("expected zeros (-want +got):\n%s", diff)
		}
	})
}

func TestCompositeErrors(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	garment := fill(t, ctx, 1, 2, 2, 3, 1)

	t.Run("channel mismatch", func(t *testing.T) {
		c := &Compositor{Frames: 2}
		raw := rawFrame(t, ctx, 2, 2, 0, 0, 0, 0) // one frame's worth
		if _, err := c.Forward(ctx, raw, garment, nil, nil); err == nil {
			t.Fatal("expected channel count error")
		}
	})

	t.Run("garment not rgb", func(t *testing.T) {
		c := &Compositor{Frames: 1}
		raw := rawFrame(t, ctx, 2, 2, 0, 0, 0, 0)
		bad := fill(t, ctx, 1, 2, 2, 4, 1)
		if _, err := c.Forward(ctx, raw, bad, nil, nil); err == nil {
			t.Fatal("expected garment channel error")
		}
	})

	t.Run("missing flow field", func(t *testing.T) {
		c := &Compositor{Frames: 1, Flow: true}
		raw := rawFrame(t, ctx, 2, 2, 0, 0, 0, 0, 0)
		if _, err := c.Forward(ctx, raw, garment, nil, nil); err == nil {
			t.Fatal("expected missing flow error")
		}
	})
}

func TestChannels(t *testing.T) {
	cases := []struct {
		frames int
		flow   bool
		want   int
	}{
		{frames: 1, flow: false, want: 4},
		{frames: 1, flow: true, want: 5},
		{frames: 2, flow: false, want: 8},
		{frames: 2, flow: true, want: 10},
	}

	for _, tt := range cases {
		c := &Compositor{Frames: tt.frames, Flow: tt.flow}
		if got := c.Channels(); got != tt.want {
			t.Errorf("Channels(frames=%d, flow=%v) = %d, want %d", tt.frames, tt.flow, got, tt.want)
		}
	}
}
