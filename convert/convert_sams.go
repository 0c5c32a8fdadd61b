package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vtonlabs/tryon/fs/ggml"
	"github.com/vtonlabs/tryon/model/models/sams"
)

type samsModel struct {
	ModelParameters

	EncoderInput string  `json:"encoder_input"`
	MiddleCount  *uint32 `json:"middle_count"`
	Width        struct {
		Base       uint32  `json:"base"`
		PowerStart *uint32 `json:"power_start"`
		PowerEnd   uint32  `json:"power_end"`
		PowerStep  uint32  `json:"power_step"`
	} `json:"width"`
}

func (p *samsModel) setDefaults() {
	if p.Architecture == "" {
		p.Architecture = "sams"
	}

	p.ModelParameters.setDefaults()

	if p.EncoderInput == "" {
		p.EncoderInput = "agnostic"
	}

	if p.MiddleCount == nil {
		n := uint32(3)
		p.MiddleCount = &n
	}

	if p.Width.Base == 0 {
		p.Width.Base = 2
	}

	if p.Width.PowerStart == nil {
		n := uint32(6)
		p.Width.PowerStart = &n
	}

	if p.Width.PowerEnd == 0 {
		p.Width.PowerEnd = 10
	}

	if p.Width.PowerStep == 0 {
		p.Width.PowerStep = 1
	}
}

func (p *samsModel) KV() ggml.KV {
	kv := p.ModelParameters.KV()
	arch := p.Architecture

	kv[arch+".encoder_input"] = p.EncoderInput
	kv[arch+".middle_count"] = *p.MiddleCount
	kv[arch+".width.base"] = p.Width.Base
	kv[arch+".width.power_start"] = *p.Width.PowerStart
	kv[arch+".width.power_end"] = p.Width.PowerEnd
	kv[arch+".width.power_step"] = p.Width.PowerStep

	return kv
}

func (p *samsModel) Replacements() []string {
	return []string{
		"spade_layers.", "",
		"mlp_shared.0", "mlp_shared",
		"norm_0", "norm0",
		"norm_1", "norm1",
		"conv_0", "conv0",
		"conv_1", "conv1",
		"attentions.", "gate.",
		"default_key", sams.DefaultKey,
	}
}

func (p *samsModel) Tensors(ts []Tensor) ([]*ggml.Tensor, error) {
	var out []*ggml.Tensor
	for _, t := range ts {
		// Running statistics belong to the parameter free norms, which
		// the runtime computes on the fly.
		if strings.Contains(t.Name(), "param_free_norm") ||
			strings.HasSuffix(t.Name(), ".num_batches_tracked") {
			continue
		}

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

var samsStage = regexp.MustCompile(`^(encode_layers|middle_layers|decode_layers)\.(\d+)\.(.+)$`)

// tensorName maps a checkpoint entry onto the flat runtime layout. The
// source interleaves resize stages with residual blocks inside each
// module list, so list positions are halved away. Tensors outside the
// generator, discriminators and loss networks, map to the empty string.
func (p *samsModel) tensorName(name string) (string, error) {
	name, ok := strings.CutPrefix(name, "generator.")
	if !ok {
		return "", nil
	}

	m := samsStage.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("unexpected generator tensor %q", name)
	}

	idx, _ := strconv.Atoi(m[2])
	rest := m[3]

	switch m[1] {
	case "encode_layers":
		if idx == 0 {
			return "conv_in." + rest, nil
		}

		if idx%2 == 0 {
			return "", fmt.Errorf("unexpected tensor %q: encode stage %d is a resize", name, idx)
		}

		return fmt.Sprintf("enc.%d.%s", (idx-1)/2, defaultKeyed(rest)), nil
	case "middle_layers":
		return fmt.Sprintf("mid.%d.%s", idx, gated(rest)), nil
	default:
		if idx%2 == 0 {
			if rest == "weight" || rest == "bias" {
				return "conv_out." + rest, nil
			}

			return "", fmt.Errorf("unexpected tensor %q: decode stage %d is a resize", name, idx)
		}

		return fmt.Sprintf("dec.%d.%s", (idx-1)/2, gated(rest)), nil
	}
}

// defaultKeyed inserts the anonymous condition key into encoder norm
// names; their source modules hold a single keyless spade.
func defaultKeyed(rest string) string {
	if i := strings.IndexByte(rest, '.'); i >= 0 && strings.HasPrefix(rest[i+1:], "mlp_") {
		rest = rest[:i+1] + sams.DefaultKey + "." + rest[i+1:]
	}

	return rest
}

var samsGate = regexp.MustCompile(`gate\.([^.]+)\.(weight|bias)$`)

// gated rewrites bare attention convolutions to their projection slots.
func gated(rest string) string {
	return samsGate.ReplaceAllString(rest, "gate.$1.proj.$2")
}
