package convert

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/vtonlabs/tryon/fs/ggml"
	"github.com/vtonlabs/tryon/model/models/sams"
)

// spadeHidden is the width of the shared embedding inside every spade
// layer.
const spadeHidden = 128

type modelInitializer interface {
	ModelConverter
	initTensors(*initializer) ([]*ggml.Tensor, error)
}

// CreateModel writes a freshly initialized GGUF model described by the
// JSON configuration bts. Weights draw from a seeded normal so the same
// configuration and seed always produce the same file.
func CreateModel(bts []byte, seed uint64, f *os.File) error {
	if len(bts) == 0 {
		bts = []byte("{}")
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	conv, err := converterFor(p.Architecture)
	if err != nil {
		return err
	}

	mi, ok := conv.(modelInitializer)
	if !ok {
		return fmt.Errorf("architecture %q cannot be initialized from scratch", p.Architecture)
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return err
	}

	conv.setDefaults()

	ts, err := mi.initTensors(newInitializer(seed))
	if err != nil {
		return err
	}

	kv := conv.KV()
	kv["general.file_type"] = uint32(1)

	return conv.writeFile(f, kv, ts)
}

type initializer struct {
	norm distuv.Normal
}

func newInitializer(seed uint64) *initializer {
	return &initializer{
		norm: distuv.Normal{Mu: 0, Sigma: 0.02, Src: rand.NewSource(seed)},
	}
}

func (in *initializer) normal(name string, shape ...uint64) *ggml.Tensor {
	data := make([]float32, numel(shape))
	for i := range data {
		data[i] = float32(in.norm.Rand())
	}

	return initTensor(name, shape, data)
}

func (in *initializer) zeros(name string, shape ...uint64) *ggml.Tensor {
	return initTensor(name, shape, make([]float32, numel(shape)))
}

func numel(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}

	return n
}

func initTensor(name string, shape []uint64, data []float32) *ggml.Tensor {
	return &ggml.Tensor{
		Name:  name,
		Kind:  0,
		Shape: shape,
		WriterTo: &computed{
			data:       data,
			kind:       0,
			tensorBase: &tensorBase{name: name, shape: shape},
		},
	}
}

// conv2d initializes a square convolution with kernel innermost and
// output channels outermost, plus a zero bias.
func (in *initializer) conv2d(prefix string, k, cin, cout uint64) []*ggml.Tensor {
	return []*ggml.Tensor{
		in.normal(prefix+".weight", k, k, cin, cout),
		in.zeros(prefix+".bias", cout),
	}
}

// convTranspose2d is conv2d with the channel axes swapped, the layout
// transposed convolutions are stored in.
func (in *initializer) convTranspose2d(prefix string, k, cin, cout uint64) []*ggml.Tensor {
	return []*ggml.Tensor{
		in.normal(prefix+".weight", k, k, cout, cin),
		in.zeros(prefix+".bias", cout),
	}
}

// spade initializes one conditional norm: a shared embedding over the
// condition map and per channel scale and shift projections off it.
func (in *initializer) spade(prefix string, features, condCh uint64) []*ggml.Tensor {
	var ts []*ggml.Tensor
	ts = append(ts, in.conv2d(prefix+".mlp_shared", 3, condCh, spadeHidden)...)
	ts = append(ts, in.conv2d(prefix+".mlp_gamma", 3, spadeHidden, features)...)
	ts = append(ts, in.conv2d(prefix+".mlp_beta", 3, spadeHidden, features)...)
	return ts
}

// multispade initializes one spade per condition, with a gating
// projection per condition when attentive.
func (in *initializer) multispade(prefix string, features uint64, conds map[string]uint32, attentive bool) []*ggml.Tensor {
	var ts []*ggml.Tensor
	for _, key := range slices.Sorted(maps.Keys(conds)) {
		ts = append(ts, in.spade(prefix+"."+key, features, uint64(conds[key]))...)
		if attentive {
			ts = append(ts, in.conv2d(prefix+".gate."+key+".proj", 1, uint64(conds[key]), features)...)
		}
	}

	return ts
}

// resblock initializes a conditioned residual block. The convolution
// pair narrows to the smaller of the two widths in between; a
// conditioned shortcut appears only when the widths differ.
func (in *initializer) resblock(prefix string, fin, fout int, conds map[string]uint32, attentive bool) []*ggml.Tensor {
	fmid := min(fin, fout)

	var ts []*ggml.Tensor
	ts = append(ts, in.multispade(prefix+".norm0", uint64(fin), conds, attentive)...)
	ts = append(ts, in.conv2d(prefix+".conv0", 3, uint64(fin), uint64(fmid))...)
	ts = append(ts, in.multispade(prefix+".norm1", uint64(fmid), conds, attentive)...)
	ts = append(ts, in.conv2d(prefix+".conv1", 3, uint64(fmid), uint64(fout))...)

	if fin != fout {
		ts = append(ts, in.multispade(prefix+".norm_s", uint64(fin), conds, attentive)...)
		ts = append(ts, in.normal(prefix+".conv_s.weight", 1, 1, uint64(fin), uint64(fout)))
	}

	return ts
}

// attention initializes a self attention head over ch channels: query
// and key project to an eighth, value to half, and the mixing gain
// starts at zero so a fresh head passes its input through.
func (in *initializer) attention(prefix string, ch uint64) []*ggml.Tensor {
	var ts []*ggml.Tensor
	ts = append(ts, in.conv2d(prefix+".query", 1, ch, ch/8)...)
	ts = append(ts, in.conv2d(prefix+".key", 1, ch, ch/8)...)
	ts = append(ts, in.conv2d(prefix+".value", 1, ch, ch/2)...)
	ts = append(ts, in.conv2d(prefix+".out", 1, ch/2, ch)...)
	ts = append(ts, in.zeros(prefix+".gamma", 1))
	return ts
}

func (p *samsModel) initTensors(in *initializer) ([]*ggml.Tensor, error) {
	schedule, err := sams.NewSchedule(
		int(p.Width.Base),
		int(*p.Width.PowerStart),
		int(p.Width.PowerEnd),
		int(p.Width.PowerStep),
	)
	if err != nil {
		return nil, err
	}

	conds := make(map[string]uint32)
	for _, name := range slices.Concat(p.PersonInputs, p.ClothInputs) {
		ch, ok := p.Conditions[name]
		if !ok || ch == 0 {
			return nil, fmt.Errorf("missing channel count for condition %q", name)
		}

		conds[name] = ch
	}

	encCh, ok := p.Conditions[p.EncoderInput]
	if !ok || encCh == 0 {
		return nil, fmt.Errorf("missing channel count for encoder input %q", p.EncoderInput)
	}

	frames := uint64(p.Frames)
	attentive := *p.SelfAttention

	var ts []*ggml.Tensor
	ts = append(ts, in.conv2d("conv_in", 3, 3*frames, uint64(schedule.Outer))...)

	encConds := map[string]uint32{sams.DefaultKey: encCh * p.Frames}
	for i, s := range schedule.Encoder {
		ts = append(ts, in.resblock(fmt.Sprintf("enc.%d", i), s.In, s.Out, encConds, false)...)
	}

	for i := range int(*p.MiddleCount) {
		ts = append(ts, in.resblock(fmt.Sprintf("mid.%d", i), schedule.Bottleneck, schedule.Bottleneck, conds, attentive)...)
	}

	for i, s := range schedule.Decoder {
		ts = append(ts, in.resblock(fmt.Sprintf("dec.%d", i), s.In, s.Out, conds, attentive)...)
	}

	out := 4 * frames
	if p.Flow {
		out += frames
	}

	ts = append(ts, in.conv2d("conv_out", 3, uint64(schedule.Outer), out)...)

	return ts, nil
}

func (p *unetmaskModel) initTensors(in *initializer) ([]*ggml.Tensor, error) {
	var inputCh uint32
	for _, name := range slices.Concat(p.PersonInputs, p.ClothInputs) {
		ch, ok := p.Conditions[name]
		if !ok || ch == 0 {
			return nil, fmt.Errorf("missing channel count for condition %q", name)
		}

		inputCh += ch
	}
	inputCh *= p.Frames

	outCh := 4 * p.Frames
	if p.Flow {
		outCh += p.Frames
	}

	depth := int(p.Depth)
	if depth < 2 {
		return nil, fmt.Errorf("unet depth must be at least 2, got %d", depth)
	}

	// Feature widths double per level and saturate at eight times the
	// base, the usual unet taper.
	width := make([]uint64, depth)
	for d := range width {
		width[d] = uint64(p.Features) * uint64(min(1<<d, 8))
	}

	var ts []*ggml.Tensor
	for d := range depth {
		downIn := uint64(inputCh)
		if d > 0 {
			downIn = width[d-1]
		}

		ts = append(ts, in.conv2d(fmt.Sprintf("down.%d.conv", d), 4, downIn, width[d])...)

		// Every up convolution except the innermost consumes its level's
		// features concatenated with the skip from the matching down.
		upIn := 2 * width[d]
		if d == depth-1 {
			upIn = width[d]
		}

		upOut := uint64(outCh)
		if d > 0 {
			upOut = width[d-1]
		}

		ts = append(ts, in.convTranspose2d(fmt.Sprintf("up.%d.conv", d), 4, upIn, upOut)...)
	}

	if *p.SelfAttention {
		if depth < 3 {
			return nil, fmt.Errorf("self attention needs a depth of at least 3, got %d", depth)
		}

		for i, ch := range []uint64{width[depth-2], width[depth-3]} {
			if ch < 8 {
				return nil, fmt.Errorf("self attention needs at least 8 features, got %d", ch)
			}

			ts = append(ts, in.attention(fmt.Sprintf("attn.%d", i), ch)...)
		}
	}

	return ts, nil
}
