package convert

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/vtonlabs/tryon/fs/ggml"
)

type unetmaskModel struct {
	ModelParameters

	Features uint32 `json:"features"`
	Depth    uint32 `json:"depth"`
}

func (p *unetmaskModel) setDefaults() {
	if p.Architecture == "" {
		p.Architecture = "unetmask"
	}

	if p.SelfAttention == nil {
		attn := false
		p.SelfAttention = &attn
	}

	p.ModelParameters.setDefaults()

	if p.Features == 0 {
		p.Features = uint32(64 * (math.Log(float64(p.Frames)) + 1))
	}

	if p.Depth == 0 {
		p.Depth = 6
	}
}

func (p *unetmaskModel) KV() ggml.KV {
	kv := p.ModelParameters.KV()
	arch := p.Architecture

	kv[arch+".features"] = p.Features
	kv[arch+".depth"] = p.Depth

	return kv
}

func (p *unetmaskModel) Replacements() []string {
	return nil
}

func (p *unetmaskModel) Tensors(ts []Tensor) ([]*ggml.Tensor, error) {
	var out []*ggml.Tensor
	for _, t := range ts {
		name, err := p.tensorName(t.Name())
		if err != nil {
			return nil, err
		}

		if name == "" {
			continue
		}

		out = append(out, &ggml.Tensor{
			Name:     name,
			Kind:     t.Kind(),
			Shape:    t.Shape(),
			WriterTo: t,
		})
	}

	return out, nil
}

var unetSlot = regexp.MustCompile(`^model\.(\d+)\.(.+)$`)

// tensorName flattens the recursively nested skip blocks of the source
// network into per depth down and up convolutions. Each nesting level
// wraps its inner block in a sequential whose slot layout depends on the
// position: the outermost block has no activation before its first
// convolution and the innermost has no submodule. Tensors outside the
// unet, the perceptual loss network for one, map to the empty string.
func (p *unetmaskModel) tensorName(name string) (string, error) {
	rest, ok := strings.CutPrefix(name, "unet.")
	if !ok {
		return "", nil
	}

	for _, suffix := range []string{".running_mean", ".running_var", ".num_batches_tracked"} {
		if strings.HasSuffix(rest, suffix) {
			return "", nil
		}
	}

	for depth := 0; ; depth++ {
		m := unetSlot.FindStringSubmatch(rest)
		if m == nil {
			return "", fmt.Errorf("unexpected tensor %q", name)
		}

		slot, _ := strconv.Atoi(m[1])
		rest = m[2]

		down, sub, up := 1, 3, 5
		switch depth {
		case 0:
			down, sub, up = 0, 1, 3
		case int(p.Depth) - 1:
			down, sub, up = 1, -1, 3
		}

		switch slot {
		case sub:
			continue
		case down:
			if rest != "weight" && rest != "bias" {
				return "", fmt.Errorf("unexpected tensor %q", name)
			}

			return fmt.Sprintf("down.%d.conv.%s", depth, rest), nil
		case up:
			if rest != "weight" && rest != "bias" {
				return "", fmt.Errorf("unexpected tensor %q", name)
			}

			return fmt.Sprintf("up.%d.conv.%s", depth, rest), nil
		default:
			return "", fmt.Errorf("unexpected tensor %q: slot %d at depth %d", name, slot, depth)
		}
	}
}
