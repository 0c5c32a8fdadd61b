package unetmask

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/backend/cpu"
	"github.com/vtonlabs/tryon/ml/nn"
)

func conv1x1(t *testing.T, ctx ml.Context, w float32) *nn.Conv2D {
	t.Helper()

	return &nn.Conv2D{Weight: tensorOf(t, ctx, []float32{w}, 1, 1, 1, 1)}
}

func singleChannelAttention(t *testing.T, ctx ml.Context, gamma float32) *SelfAttention {
	t.Helper()

	return &SelfAttention{
		Query: conv1x1(t, ctx, 1),
		Key:   conv1x1(t, ctx, 1),
		Value: conv1x1(t, ctx, 1),
		Out:   conv1x1(t, ctx, 1),
		Gamma: tensorOf(t, ctx, []float32{gamma}, 1),
	}
}

func TestSelfAttentionClosedGate(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	sa := singleChannelAttention(t, ctx, 0)

	// A zero gate passes the input through untouched no matter what the
	// attention branch computes.
	x := tensorOf(t, ctx, []float32{1, -2, 3, 4}, 2, 2, 1, 1)
	out := sa.Forward(ctx, x)
	if diff := cmp.Diff(x.Floats(), out.Floats()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestSelfAttentionMixing(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	sa := singleChannelAttention(t, ctx, 1)

	// Two positions with identity projections. Scores are x_i*x_j, so the
	// first position attends evenly while the second leans on itself.
	x := tensorOf(t, ctx, []float32{0, 1}, 2, 1, 1, 1)
	out := sa.Forward(ctx, x)

	want := []float32{
		0.5,
		float32(1 + math.E/(1+math.E)),
	}
	if diff := cmp.Diff(want, out.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestSelfAttentionBatched(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()
	defer ctx.Close()

	sa := singleChannelAttention(t, ctx, 1)

	// Identical rows in a batch of two must attend independently and give
	// identical results.
	x := tensorOf(t, ctx, []float32{0, 1, 0, 1}, 2, 1, 1, 2)
	out := sa.Forward(ctx, x)

	got := out.Floats()
	if diff := cmp.Diff(got[:2], got[2:], cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("batch elements diverged (-first +second):\n%s", diff)
	}
}
