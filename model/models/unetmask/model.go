// Package unetmask implements the frame stacked U-Net generator. The
// person and cloth condition maps for the whole temporal window are
// flattened on channels and pushed through an encoder/decoder with skip
// connections; self attention on the two widest decoder stages is
// optional.
package unetmask

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/vtonlabs/tryon/framecache"
	"github.com/vtonlabs/tryon/fs"
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/nn"
	"github.com/vtonlabs/tryon/model"
	"github.com/vtonlabs/tryon/model/composite"
)

type options struct {
	frames    int
	flow      bool
	attentive bool

	inputs  []string
	cloth   []string
	inputCh int
}

type encodeStage struct {
	Conv *nn.Conv2D `gguf:"conv"`
}

type decodeStage struct {
	Conv *nn.ConvTranspose2D `gguf:"conv"`
}

type Model struct {
	model.Base

	Down []*encodeStage   `gguf:"down"`
	Up   []*decodeStage   `gguf:"up"`
	Attn []*SelfAttention `gguf:"attn"`

	compositor *composite.Compositor
	stages     []model.Stage
	opts       options
}

func New(c fs.Config) (model.Model, error) {
	frames := int(c.Uint("frames", 2))
	if frames < 1 {
		return nil, fmt.Errorf("frame count must be at least 1, got %d", frames)
	}

	depth := int(c.Uint("depth", 6))
	if depth < 2 {
		return nil, fmt.Errorf("unet depth must be at least 2, got %d", depth)
	}

	person := c.Strings("person_inputs")
	cloth := c.Strings("cloth_inputs")
	if len(cloth) == 0 {
		return nil, errors.New("at least one cloth input is required for compositing")
	}

	inputs := slices.Concat(person, cloth)
	var inputCh int
	for _, name := range inputs {
		n := int(c.Uint("condition." + name + ".channels"))
		if n < 1 {
			return nil, fmt.Errorf("missing channel count for condition %q", name)
		}

		inputCh += n
	}

	opts := options{
		frames:    frames,
		flow:      c.Bool("flow", false),
		attentive: c.Bool("self_attention", false),
		inputs:    inputs,
		cloth:     cloth,
		inputCh:   inputCh,
	}

	if opts.attentive && depth < 3 {
		return nil, fmt.Errorf("self attention needs a unet depth of at least 3, got %d", depth)
	}

	features := int(c.Uint("features", uint32(64*(math.Log(float64(frames))+1))))
	if features < 1 {
		return nil, fmt.Errorf("feature width must be at least 1, got %d", features)
	}

	m := &Model{
		opts:       opts,
		compositor: &composite.Compositor{Frames: frames, Flow: opts.flow},
	}

	for range depth {
		m.Down = append(m.Down, &encodeStage{})
		m.Up = append(m.Up, &decodeStage{})
	}

	if opts.attentive {
		m.Attn = []*SelfAttention{{}, {}}
	}

	width := func(d int) int { return features * min(1<<d, 8) }

	in := inputCh * frames
	for d := range depth {
		m.stages = append(m.stages, model.Stage{Kind: model.StageConv, In: in, Out: width(d), Scale: 0.5})
		in = width(d)
	}

	for d := depth - 1; d >= 0; d-- {
		in := width(d)
		if d < depth-1 {
			in *= 2
		}

		out := m.compositor.Channels()
		if d > 0 {
			out = width(d - 1)
		}

		m.stages = append(m.stages, model.Stage{Kind: model.StageConv, In: in, Out: out, Scale: 2})
		if opts.attentive && d >= depth-2 {
			m.stages = append(m.stages, model.Stage{Kind: model.StageAttention, In: out, Out: out, Scale: 1})
		}
	}

	m.Cache = framecache.NewCache(frames)
	return m, nil
}

// Stages reports the assembled pipeline as an ordered stage table.
func (m *Model) Stages() []model.Stage {
	return slices.Clone(m.stages)
}

// Window reports the temporal conditioning: every input map across the
// model's frame count.
func (m *Model) Window() model.Window {
	return model.Window{Inputs: slices.Clone(m.opts.inputs), Frames: m.opts.frames}
}

func (m *Model) Forward(ctx ml.Context, batch model.Batch) (ml.Tensor, error) {
	conds := make(map[string]ml.Tensor, len(m.opts.inputs))
	for _, name := range m.opts.inputs {
		t, ok := batch.Conditions[name]
		if !ok {
			return nil, fmt.Errorf("missing condition map %q", name)
		}

		conds[name] = t
	}

	cur := conds[m.opts.inputs[0]]
	for _, name := range m.opts.inputs[1:] {
		cur = cur.Concat(ctx, conds[name], 2)
	}

	w, h, n := cur.Dim(0), cur.Dim(1), cur.Dim(3)

	x := cur
	if m.opts.frames > 1 {
		// Older window slots come from the previous window's maps with its
		// oldest slot dropped; the current frame takes the newest slot.
		older := batch.Previous
		if older == nil {
			older = ctx.Zeros(ml.DTypeF32, w, h, m.opts.inputCh*(m.opts.frames-1), n)
		} else {
			older = older.Slice(ctx, 2, m.opts.inputCh, m.opts.inputCh*m.opts.frames)
		}

		x = older.Concat(ctx, cur, 2)
	}

	depth := len(m.Down)
	skips := make([]ml.Tensor, depth)
	for d, stage := range m.Down {
		if d > 0 {
			x = x.LeakyRELU(ctx, 0.2)
		}

		x = stage.Conv.Forward(ctx, x, 2, 2, 1, 1, 1, 1)
		if d > 0 && d < depth-1 {
			x = x.InstanceNorm(ctx, 1e-5)
		}

		skips[d] = x
	}

	for d := depth - 1; d >= 0; d-- {
		if d < depth-1 {
			x = skips[d].Concat(ctx, x, 2)
		}

		x = x.RELU(ctx)
		x = m.Up[d].Conv.Forward(ctx, x, 2, 2, 1, 1)
		if d > 0 {
			x = x.InstanceNorm(ctx, 1e-5)
		}

		if m.opts.attentive {
			switch d {
			case depth - 1:
				x = m.Attn[0].Forward(ctx, x)
			case depth - 2:
				x = m.Attn[1].Forward(ctx, x)
			}
		}
	}

	cache := m.Config().Cache
	out, err := m.compositor.Forward(ctx, x, conds[m.opts.cloth[0]], batch.Flow, cache.Last())
	if err != nil {
		return nil, err
	}

	if err := cache.Put(out); err != nil {
		return nil, err
	}

	return out, nil
}

func init() {
	model.Register("unetmask", New)
}
