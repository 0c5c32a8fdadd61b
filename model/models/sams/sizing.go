package sams

import "fmt"

// Step is one feature resize from In to Out channels.
type Step struct {
	In, Out int
}

// Schedule is the channel width plan for a generator. The encoder narrows
// resolution while widening features from Outer to Bottleneck; the decoder
// walks back. Middle blocks all run at Bottleneck width.
type Schedule struct {
	Encoder []Step
	Decoder []Step

	Outer      int
	Bottleneck int
}

// NewSchedule expands the width hyperparameters into explicit steps.
// Widths follow base**p with p stepping by stride from start to end; the
// last step of each direction is forced to land exactly on its target
// width even when stride does not divide the range.
func NewSchedule(base, start, end, stride int) (*Schedule, error) {
	if base <= 1 {
		return nil, fmt.Errorf("width base must be greater than 1, got %d", base)
	}

	if end < 1 {
		return nil, fmt.Errorf("width power end must be at least 1, got %d", end)
	}

	if stride < 1 {
		return nil, fmt.Errorf("width power step must be at least 1, got %d", stride)
	}

	return &Schedule{
		Encoder:    steps(base, start, end, stride),
		Decoder:    steps(base, end, start, stride),
		Outer:      pow(base, start),
		Bottleneck: pow(base, end),
	}, nil
}

func steps(base, from, to, stride int) []Step {
	dir := 1
	if to < from {
		dir = -1
	}

	var out []Step
	cur := pow(base, from)
	for p := from; (to-p)*dir > 0; p += stride * dir {
		next := pow(base, p+stride*dir)
		out = append(out, Step{In: cur, Out: next})
		cur = next
	}

	// Forced final step onto the target width.
	return append(out, Step{In: cur, Out: pow(base, to)})
}

func pow(base, p int) int {
	n := 1
	for range p {
		n *= base
	}

	return n
}
