package model

import "strconv"

// StageKind tags one step of a generator pipeline.
type StageKind int

const (
	// StageConv is a plain convolution. A strided or transposed
	// convolution that changes resolution carries a Scale factor.
	StageConv StageKind = iota

	// StageScale is a pure resolution resample with no parameters.
	StageScale

	// StageResBlock is a conditional residual block.
	StageResBlock

	// StageAttention is a spatial self attention block.
	StageAttention
)

func (k StageKind) String() string {
	switch k {
	case StageConv:
		return "conv"
	case StageScale:
		return "scale"
	case StageResBlock:
		return "resblock"
	case StageAttention:
		return "attention"
	default:
		return "stage(" + strconv.Itoa(int(k)) + ")"
	}
}

/// Stage describes one pipeline step: the channel widths it maps between
// and, when it changes resolution, the spatial factor it applies.
type Stage struct {
	Kind    StageKind
	In, Out int

	// Scale is the resolution factor, 1 for stages that keep it.
	Scale float64
}

// Stager is implemented by models that can describe their pipeline as an
// ordered stage table.
type Stager interface {
	Stages() []Stage
}
