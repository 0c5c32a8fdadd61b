// Package convert turns PyTorch try-on checkpoints into GGUF model
// files and writes freshly initialized ones for architecture search.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/vtonlabs/tryon/dataset"
	"github.com/vtonlabs/tryon/fs/ggml"
)

// ModelParameters is the architecture configuration shared by every
// converter, read from a config.json beside the checkpoint. Unset
// fields fall back to the published training defaults.
type ModelParameters struct {
	Architecture  string            `json:"architecture"`
	ModelName     string            `json:"name"`
	Frames        uint32            `json:"frames"`
	Flow          bool              `json:"flow"`
	SelfAttention *bool             `json:"self_attention"`
	PersonInputs  []string          `json:"person_inputs"`
	ClothInputs   []string          `json:"cloth_inputs"`
	Conditions    map[string]uint32 `json:"conditions"`
	ImageWidth    uint32            `json:"image_width"`
	ImageHeight   uint32            `json:"image_height"`
}

func (p *ModelParameters) setDefaults() {
	if p.Frames == 0 {
		p.Frames = 2
	}

	if p.SelfAttention == nil {
		attn := true
		p.SelfAttention = &attn
	}

	if len(p.PersonInputs) == 0 {
		p.PersonInputs = []string{"agnostic", "densepose"}
	}

	if len(p.ClothInputs) == 0 {
		p.ClothInputs = []string{"cloth"}
	}

	if p.Conditions == nil {
		p.Conditions = maps.Clone(dataset.VVT.Channels)
	}

	if p.ImageWidth == 0 {
		p.ImageWidth = 192
	}

	if p.ImageHeight == 0 {
		p.ImageHeight = 256
	}
}

func (p ModelParameters) KV() ggml.KV {
	arch := p.Architecture
	kv := ggml.KV{
		"general.architecture":   arch,
		"general.file_type":      uint32(2),
		arch + ".frames":         p.Frames,
		arch + ".flow":           p.Flow,
		arch + ".self_attention": *p.SelfAttention,
		arch + ".person_inputs":  p.PersonInputs,
		arch + ".cloth_inputs":   p.ClothInputs,
		arch + ".image.width":    p.ImageWidth,
		arch + ".image.height":   p.ImageHeight,
	}

	if p.ModelName != "" {
		kv["general.name"] = p.ModelName
	}

	for name, channels := range p.Conditions {
		kv[fmt.Sprintf("%s.condition.%s.channels", arch, name)] = channels
	}

	return kv
}

func (ModelParameters) writeFile(f *os.File, kv ggml.KV, ts []*ggml.Tensor) error {
	return ggml.WriteGGUF(f, kv, ts)
}

// ModelConverter maps one source architecture onto the GGUF layout the
// runtime loads.
type ModelConverter interface {
	// KV returns the metadata of the converted model.
	KV() ggml.KV
	// Tensors renames checkpoint tensors to their GGUF names, dropping
	// training state that has no inference use.
	Tensors([]Tensor) ([]*ggml.Tensor, error)
	// Replacements returns old/new substring pairs applied to raw
	// checkpoint names before structural renaming.
	Replacements() []string

	setDefaults()
	writeFile(*os.File, ggml.KV, []*ggml.Tensor) error
}

func converterFor(arch string) (ModelConverter, error) {
	switch arch {
	case "sams", "":
		return &samsModel{}, nil
	case "unetmask":
		return &unetmaskModel{}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

// ConvertModel reads a checkpoint and writes the equivalent GGUF model
// file to f. The path may name the checkpoint itself or a directory
// holding one; a config.json beside it overrides architecture defaults.
// Spectral normalization triplets are folded into plain weights on the
// way through.
func ConvertModel(path string, f *os.File) error {
	files, dir, err := checkpointFiles(path)
	if err != nil {
		return err
	}

	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	var p ModelParameters
	if len(bts) > 0 {
		if err := json.Unmarshal(bts, &p); err != nil {
			return fmt.Errorf("config.json: %w", err)
		}
	}

	conv, err := converterFor(p.Architecture)
	if err != nil {
		return err
	}

	if len(bts) > 0 {
		if err := json.Unmarshal(bts, conv); err != nil {
			return fmt.Errorf("config.json: %w", err)
		}
	}

	conv.setDefaults()

	ts, err := parseTensors(strings.NewReplacer(conv.Replacements()...), files...)
	if err != nil {
		return err
	}

	ts, err = foldSpectralNorm(ts)
	if err != nil {
		return err
	}

	gts, err := conv.Tensors(ts)
	if err != nil {
		return err
	}

	if len(gts) == 0 {
		return errors.New("no model tensors in checkpoint")
	}

	return conv.writeFile(f, conv.KV(), gts)
}

func checkpointFiles(path string) (files []string, dir string, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}

	if !fi.IsDir() {
		return []string{path}, filepath.Dir(path), nil
	}

	for _, pattern := range []string{"*.ckpt", "*.pth", "*.pt", "*.safetensors", "pytorch_model*.bin"} {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return nil, "", err
		}

		if len(matches) > 0 {
			return matches, path, nil
		}
	}

	return nil, "", errors.New("no checkpoint found")
}
