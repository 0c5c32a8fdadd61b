// Package sams implements the self attentive multispade generator. The
// network is encoder/middle/decoder style: the encoder halves resolution
// per stage while widening features and conditions on the encoder input
// map alone, the middle and decoder stages condition on the full person
// and cloth map set through stacked spade normalization.
package sams

import (
	"errors"
	"fmt"
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

	inputs      []string
	cloth       []string
	encoderName string
	encoderCh   int
	channels    map[string]int
}

type Model struct {
	model.Base

	ConvIn  *nn.Conv2D  `gguf:"conv_in"`
	Encoder []*ResBlock `gguf:"enc"`
	Middle  []*ResBlock `gguf:"mid"`
	Decoder []*ResBlock `gguf:"dec"`
	ConvOut *nn.Conv2D  `gguf:"conv_out"`

	schedule   *Schedule
	compositor *composite.Compositor
	stages     []model.Stage
	opts       options
}

func New(c fs.Config) (model.Model, error) {
	schedule, err := NewSchedule(
		int(c.Uint("width.base", 2)),
		int(c.Uint("width.power_start", 6)),
		int(c.Uint("width.power_end", 10)),
		int(c.Uint("width.power_step", 1)),
	)
	if err != nil {
		return nil, err
	}

	frames := int(c.Uint("frames", 2))
	if frames < 1 {
		return nil, fmt.Errorf("frame count must be at least 1, got %d", frames)
	}

	person := c.Strings("person_inputs")
	cloth := c.Strings("cloth_inputs")
	if len(cloth) == 0 {
		return nil, errors.New("at least one cloth input is required for compositing")
	}

	channels := make(map[string]int, len(person)+len(cloth))
	for _, name := range slices.Concat(person, cloth) {
		n := int(c.Uint("condition." + name + ".channels"))
		if n < 1 {
			return nil, fmt.Errorf("missing channel count for condition %q", name)
		}

		channels[name] = n
	}

	encoderName := c.String("encoder_input", "agnostic")
	encoderCh := int(c.Uint("condition." + encoderName + ".channels"))
	if encoderCh < 1 {
		return nil, fmt.Errorf("missing channel count for encoder input %q", encoderName)
	}

	opts := options{
		frames:      frames,
		flow:        c.Bool("flow", false),
		attentive:   c.Bool("self_attention", true),
		inputs:      slices.Concat(person, cloth),
		cloth:       cloth,
		encoderName: encoderName,
		encoderCh:   encoderCh,
		channels:    channels,
	}

	m := &Model{
		schedule:   schedule,
		opts:       opts,
		compositor: &composite.Compositor{Frames: frames, Flow: opts.flow},
	}

	encNorm := func() *MultiSpade { return NewSingleSpade(encoderCh * frames) }
	for _, s := range schedule.Encoder {
		m.Encoder = append(m.Encoder, newResBlock(s.In, s.Out, encNorm))
	}

	norm := func() *MultiSpade { return NewMultiSpade(channels, opts.attentive) }
	for range int(c.Uint("middle_count", 3)) {
		m.Middle = append(m.Middle, newResBlock(schedule.Bottleneck, schedule.Bottleneck, norm))
	}

	for _, s := range schedule.Decoder {
		m.Decoder = append(m.Decoder, newResBlock(s.In, s.Out, norm))
	}

	m.stages = append(m.stages, model.Stage{Kind: model.StageConv, In: 3 * frames, Out: schedule.Outer, Scale: 1})
	for _, s := range schedule.Encoder {
		m.stages = append(m.stages,
			model.Stage{Kind: model.StageResBlock, In: s.In, Out: s.Out, Scale: 1},
			model.Stage{Kind: model.StageScale, In: s.Out, Out: s.Out, Scale: 0.5},
		)
	}

	for range m.Middle {
		m.stages = append(m.stages, model.Stage{Kind: model.StageResBlock, In: schedule.Bottleneck, Out: schedule.Bottleneck, Scale: 1})
	}

	for _, s := range schedule.Decoder {
		m.stages = append(m.stages,
			model.Stage{Kind: model.StageScale, In: s.In, Out: s.In, Scale: 2},
			model.Stage{Kind: model.StageResBlock, In: s.In, Out: s.Out, Scale: 1},
		)
	}

	m.stages = append(m.stages, model.Stage{Kind: model.StageConv, In: schedule.Outer, Out: m.compositor.Channels(), Scale: 1})

	m.Cache = framecache.NewCache(frames)
	return m, nil
}

// Schedule exposes the width plan the model was built with.
func (m *Model) Schedule() *Schedule {
	return m.schedule
}

// Stages reports the assembled pipeline as an ordered stage table.
func (m *Model) Stages() []model.Stage {
	return slices.Clone(m.stages)
}

// Window reports the temporal conditioning: the encoder input map across
// the model's frame count.
func (m *Model) Window() model.Window {
	return model.Window{Inputs: []string{m.opts.encoderName}, Frames: m.opts.frames}
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

	ref := conds[m.opts.inputs[0]]
	w, h, n := ref.Dim(0), ref.Dim(1), ref.Dim(3)

	// The previous window's encoder maps; a fresh clip has none.
	prev := batch.Previous
	if prev == nil {
		prev = ctx.Zeros(ml.DTypeF32, w, h, m.opts.encoderCh*m.opts.frames, n)
	}

	x := m.history(ctx, w, h, n)
	x = m.ConvIn.Forward(ctx, x, 1, 1, 1, 1, 1, 1)

	for _, block := range m.Encoder {
		var err error
		if x, err = block.ForwardSingle(ctx, x, prev); err != nil {
			return nil, err
		}

		x = x.Interpolate(ctx, x.Dim(0)/2, x.Dim(1)/2, ml.SamplingNearest)
	}

	for _, block := range m.Middle {
		var err error
		if x, err = block.Forward(ctx, x, conds); err != nil {
			return nil, err
		}
	}

	for _, block := range m.Decoder {
		x = x.Interpolate(ctx, x.Dim(0)*2, x.Dim(1)*2, ml.SamplingNearest)

		var err error
		if x, err = block.Forward(ctx, x, conds); err != nil {
			return nil, err
		}
	}

	x = m.ConvOut.Forward(ctx, x, 1, 1, 1, 1, 1, 1)

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

// history assembles the generator input from previously synthesized
// frames, flattened on channels with the newest frame last. Slots with no
// history yet are zero filled.
func (m *Model) history(ctx ml.Context, w, h, n int) ml.Tensor {
	last := m.Config().Cache.Last()
	if last == nil {
		return ctx.Zeros(ml.DTypeF32, w, h, 3*m.opts.frames, n)
	}

	if m.opts.frames == 1 {
		return last
	}

	older := ctx.Zeros(ml.DTypeF32, w, h, 3*(m.opts.frames-1), n)
	return older.Concat(ctx, last, 2)
}

func init() {
	model.Register("sams", New)
}
