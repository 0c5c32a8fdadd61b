package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %v", e.Code, strings.ToLower(http.StatusText(int(e.Code))))
	}
	return e.Message
}

// SynthesizeRequest runs a try-on generator over one clip.
type SynthesizeRequest struct {
	// Model names a model file under the models directory, without the
	// .gguf suffix.
	Model string `json:"model"`

	// Conditions maps the model's condition names to their streams.
	Conditions map[string]Input `json:"conditions"`

	// Flow holds base64 Middlebury .flo motion fields, one per frame,
	// for models trained with flow blending.
	Flow []string `json:"flow,omitempty"`

	// Options adjust the request, decoded into Options. Unknown keys
	// are rejected.
	Options map[string]any `json:"options,omitempty"`
}

// Input is one condition's stream: Frames, base64 encoded images one
// per frame, or Video, a single base64 container the server extracts
// frames from. Garment style conditions may send a single frame for the
// whole clip.
type Input struct {
	Frames []string `json:"frames,omitempty"`
	Video  string   `json:"video,omitempty"`
}

// Options adjust one synthesis request. Zero values keep the model's
// training configuration.
type Options struct {
	// Width and Height override the synthesis resolution.
	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`

	// MaxFrames caps the number of synthesized frames.
	MaxFrames int `json:"max_frames" mapstructure:"max_frames"`

	// PreserveAspect letterboxes inputs instead of stretching them.
	PreserveAspect bool `json:"preserve_aspect" mapstructure:"preserve_aspect"`
}

// FromMap fills opts from a request's freeform options object. Unknown
// keys are an error.
func (opts *Options) FromMap(m map[string]any) error {
	if len(m) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      opts,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(m)
}

// SynthesizeResponse carries the synthesized clip as base64 PNG frames.
type SynthesizeResponse struct {
	Model      string   `json:"model"`
	Frames     []string `json:"frames"`
	FrameCount int      `json:"frame_count"`

	TotalDuration time.Duration `json:"total_duration"`
	LoadDuration  time.Duration `json:"load_duration"`
}

// StageInfo is one row of a model's stage table.
type StageInfo struct {
	Kind  string  `json:"kind"`
	In    int     `json:"in"`
	Out   int     `json:"out"`
	Scale float64 `json:"scale"`
}

// ShowResponse describes a served model.
type ShowResponse struct {
	Architecture  string            `json:"architecture"`
	Name          string            `json:"name,omitempty"`
	Parameters    int64             `json:"parameters,omitempty"`
	Frames        int               `json:"frames"`
	Flow          bool              `json:"flow"`
	SelfAttention bool              `json:"self_attention"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	PersonInputs  []string          `json:"person_inputs"`
	ClothInputs   []string          `json:"cloth_inputs"`
	Conditions    map[string]uint32 `json:"conditions"`
	Stages        []StageInfo       `json:"stages,omitempty"`
}
