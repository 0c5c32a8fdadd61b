package sams

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchedule(t *testing.T) {
	cases := []struct {
		name                     string
		base, start, end, stride int
		encoder, decoder         []Step
		outer, bottleneck        int
	}{
		{
			name: "even stride",
			base: 2, start: 2, end: 4, stride: 1,
			encoder:    []Step{{4, 8}, {8, 16}, {16, 16}},
			decoder:    []Step{{16, 8}, {8, 4}, {4, 4}},
			outer:      4,
			bottleneck: 16,
		},
		{
			name: "stride overshoots, forced step lands on target",
			base: 2, start: 2, end: 5, stride: 2,
			encoder:    []Step{{4, 16}, {16, 64}, {64, 32}},
			decoder:    []Step{{32, 8}, {8, 2}, {2, 4}},
			outer:      4,
			bottleneck: 32,
		},
		{
			name: "flat",
			base: 3, start: 2, end: 2, stride: 1,
			encoder:    []Step{{9, 9}},
			decoder:    []Step{{9, 9}},
			outer:      9,
			bottleneck: 9,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSchedule(tt.base, tt.start, tt.end, tt.stride)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.encoder, s.Encoder); diff != "" {
				t.Errorf("unexpected encoder steps (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.decoder, s.Decoder); diff != "" {
				t.Errorf("unexpected decoder steps (-want +got):\n%s", diff)
			}

			if s.Outer != tt.outer {
				t.Errorf("outer = %d, want %d", s.Outer, tt.outer)
			}

			if s.Bottleneck != tt.bottleneck {
				t.Errorf("bottleneck = %d, want %d", s.Bottleneck, tt.bottleneck)
			}

			if got := s.Encoder[len(s.Encoder)-1].Out; got != tt.bottleneck {
				t.Errorf("final encoder width = %d, does not land on bottleneck %d", got, tt.bottleneck)
			}
		})
	}
}

func TestScheduleStageCount(t *testing.T) {
	// ceil((end-start)/stride) stepped stages plus the forced final one.
	cases := []struct {
		start, end, stride, want int
	}{
		{2, 4, 1, 3},
		{2, 5, 2, 3},
		{6, 10, 1, 5},
		{6, 10, 3, 3},
		{1, 1, 1, 1},
	}

	for _, tt := range cases {
		s, err := NewSchedule(2, tt.start, tt.end, tt.stride)
		if err != nil {
			t.Fatal(err)
		}

		if len(s.Encoder) != tt.want {
			t.Errorf("start=%d end=%d stride=%d: %d encoder stages, want %d",
				tt.start, tt.end, tt.stride, len(s.Encoder), tt.want)
		}

		if len(s.Decoder) != len(s.Encoder) {
			t.Errorf("decoder has %d stages, encoder %d; resolution would not round trip",
				len(s.Decoder), len(s.Encoder))
		}
	}
}

func TestScheduleInvalid(t *testing.T) {
	cases := []struct {
		name                     string
		base, start, end, stride int
	}{
		{name: "base one", base: 1, start: 2, end: 4, stride: 1},
		{name: "base zero", base: 0, start: 2, end: 4, stride: 1},
		{name: "end below one", base: 2, start: 0, end: 0, stride: 1},
		{name: "zero stride", base: 2, start: 2, end: 4, stride: 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSchedule(tt.base, tt.start, tt.end, tt.stride); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}
