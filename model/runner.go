package model

import (
	"fmt"

	"github.com/vtonlabs/tryon/logutil"
	"github.com/vtonlabs/tryon/ml"
)

// Window describes the temporal conditioning a model expects: which
// condition maps make up one window slot and how many slots the model
// consumes per step.
type Window struct {
	// Inputs name the condition maps flattened, in order, into a slot.
	Inputs []string

	// Frames is the slot count.
	Frames int
}

// Windowed is implemented by models that condition on the window of
// inputs from prior steps.
type Windowed interface {
	Window() Window
}

// Runner steps a model through a clip one frame at a time, carrying the
// input window between steps.
type Runner struct {
	m      Model
	window Window
	past   []ml.Tensor
}

// NewRunner wraps m for clip synthesis.
func NewRunner(m Model) *Runner {
	r := &Runner{m: m}
	if w, ok := m.(Windowed); ok {
		r.window = w.Window()
	}

	return r
}

// Model returns the wrapped model.
func (r *Runner) Model() Model {
	return r.m
}

// Step synthesizes the next frame from the clip's condition maps and the
// optional motion field.
func (r *Runner) Step(ctx ml.Context, conds map[string]ml.Tensor, flow ml.Tensor) (ml.Tensor, error) {
	batch := Batch{Conditions: conds, Flow: flow}

	var slot ml.Tensor
	if len(r.window.Inputs) > 0 {
		var err error
		if slot, err = r.slot(ctx, conds); err != nil {
			return nil, err
		}

		batch.Previous = r.previous(ctx)
	}

	out, err := Forward(ctx, r.m, batch)
	if err != nil {
		return nil, err
	}

	logutil.Trace("stepped", "window", len(r.past), "out", out.Shape())

	if slot != nil {
		r.past = append(r.past, slot)
		if len(r.past) > r.window.Frames {
			r.past = r.past[len(r.past)-r.window.Frames:]
		}
	}

	return out, nil
}

// Reset forgets the clip state. Call it between clips.
func (r *Runner) Reset() {
	r.past = nil
	if cache := r.m.Config().Cache; cache != nil {
		cache.Clear()
	}
}

// slot flattens this step's window inputs on channels.
func (r *Runner) slot(ctx ml.Context, conds map[string]ml.Tensor) (ml.Tensor, error) {
	var t ml.Tensor
	for _, name := range r.window.Inputs {
		c, ok := conds[name]
		if !ok {
			return nil, fmt.Errorf("missing condition map %q", name)
		}

		if t == nil {
			t = c
		} else {
			t = t.Concat(ctx, c, 2)
		}
	}

	return t, nil
}

// previous assembles the prior window, oldest slot first, zero filling
// slots the clip has not reached yet. The first step of a clip has no
// window at all; models substitute zeros wholesale.
func (r *Runner) previous(ctx ml.Context) ml.Tensor {
	if len(r.past) == 0 {
		return nil
	}

	ref := r.past[len(r.past)-1]

	var t ml.Tensor
	if missing := r.window.Frames - len(r.past); missing > 0 {
		t = ctx.Zeros(ml.DTypeF32, ref.Dim(0), ref.Dim(1), ref.Dim(2)*missing, ref.Dim(3))
	}

	for _, slot := range r.past {
		if t == nil {
			t = slot
		} else {
			t = t.Concat(ctx, slot, 2)
		}
	}

	return t
}
