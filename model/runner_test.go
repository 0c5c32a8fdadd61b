package model

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vtonlabs/tryon/framecache"
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/backend/cpu"
)

// stubModel records the batches the runner hands it.
type stubModel struct {
	Base
	window  Window
	batches []Batch
}

func (m *stubModel) Forward(ctx ml.Context, batch Batch) (ml.Tensor, error) {
	m.batches = append(m.batches, batch)
	return ctx.Zeros(ml.DTypeF32, 2, 2, 3, 1), nil
}

func (m *stubModel) Window() Window {
	return m.window
}

func constant(t *testing.T, ctx ml.Context, v float32, shape ...int) ml.Tensor {
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

func TestRunnerWindow(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()

	m := &stubModel{window: Window{Inputs: []string{"agnostic"}, Frames: 2}}
	r := NewRunner(m)

	for i := range 3 {
		conds := map[string]ml.Tensor{"agnostic": constant(t, ctx, float32(i+1), 2, 2, 1, 1)}
		if _, err := r.Step(ctx, conds, nil); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if m.batches[0].Previous != nil {
		t.Error("first step should have no window")
	}

	// Second step: the one recorded slot, zero padded to the window size.
	prev := m.batches[1].Previous
	if diff := cmp.Diff([]int{2, 2, 2, 1}, prev.Shape()); diff != "" {
		t.Errorf("window shape (-want +got):\n%s", diff)
	}

	want := []float32{0, 0, 0, 0, 1, 1, 1, 1}
	if diff := cmp.Diff(want, prev.Floats()); diff != "" {
		t.Errorf("partial window (-want +got):\n%s", diff)
	}

	// Third step: both slots filled, oldest first.
	want = []float32{1, 1, 1, 1, 2, 2, 2, 2}
	if diff := cmp.Diff(want, m.batches[2].Previous.Floats()); diff != "" {
		t.Errorf("full window (-want +got):\n%s", diff)
	}
}

func TestRunnerSlotOrder(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()

	m := &stubModel{window: Window{Inputs: []string{"agnostic", "cloth"}, Frames: 1}}
	r := NewRunner(m)

	conds := map[string]ml.Tensor{
		"agnostic": constant(t, ctx, 1, 2, 2, 1, 1),
		"cloth":    constant(t, ctx, 2, 2, 2, 1, 1),
	}

	for range 2 {
		if _, err := r.Step(ctx, conds, nil); err != nil {
			t.Fatal(err)
		}
	}

	// The slot flattens the inputs in declaration order.
	want := []float32{1, 1, 1, 1, 2, 2, 2, 2}
	if diff := cmp.Diff(want, m.batches[1].Previous.Floats()); diff != "" {
		t.Errorf("slot order (-want +got):\n%s", diff)
	}
}

func TestRunnerMissingInput(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()

	m := &stubModel{window: Window{Inputs: []string{"agnostic"}, Frames: 2}}
	r := NewRunner(m)

	conds := map[string]ml.Tensor{"cloth": constant(t, ctx, 1, 2, 2, 1, 1)}
	if _, err := r.Step(ctx, conds, nil); err == nil {
		t.Fatal("expected error for missing window input")
	} else if !strings.Contains(err.Error(), "agnostic") {
		t.Errorf("error should name the missing input, got: %v", err)
	}

	if len(m.batches) != 0 {
		t.Error("model should not run without its window inputs")
	}
}

func TestRunnerReset(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()

	cache := framecache.NewCache(2)
	m := &stubModel{
		Base:   Base{config: config{Cache: cache}},
		window: Window{Inputs: []string{"agnostic"}, Frames: 2},
	}
	r := NewRunner(m)

	conds := map[string]ml.Tensor{"agnostic": constant(t, ctx, 1, 2, 2, 1, 1)}
	for range 2 {
		if _, err := r.Step(ctx, conds, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := cache.Put(constant(t, ctx, 1, 2, 2, 3, 1)); err != nil {
		t.Fatal(err)
	}

	r.Reset()

	if cache.Last() != nil {
		t.Error("reset should clear the frame cache")
	}

	if _, err := r.Step(ctx, conds, nil); err != nil {
		t.Fatal(err)
	}

	if last := m.batches[len(m.batches)-1]; last.Previous != nil {
		t.Error("step after reset should start a fresh clip")
	}
}

func TestRunnerUnwindowed(t *testing.T) {
	ctx := (&cpu.Backend{}).NewContext()

	m := &stubModel{}
	r := NewRunner(m)

	flow := constant(t, ctx, 0, 2, 2, 2, 1)
	conds := map[string]ml.Tensor{"cloth": constant(t, ctx, 1, 2, 2, 3, 1)}

	for range 2 {
		if _, err := r.Step(ctx, conds, flow); err != nil {
			t.Fatal(err)
		}
	}

	for i, batch := range m.batches {
		if batch.Previous != nil {
			t.Errorf("step %d: unwindowed model got a window", i)
		}

		if batch.Flow == nil {
			t.Errorf("step %d: flow not forwarded", i)
		}
	}
}
