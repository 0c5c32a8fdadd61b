package model

import (
	"reflect"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/ml/backend/cpu"
	"github.com/vtonlabs/tryon/ml/nn"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{
			value: "conv",
			want: Tag{
				Name: "conv",
			},
		},
		{
			value: "conv_out,alt:conv",
			want: Tag{
				Name: "conv_out",
				Alternate: []string{
					"conv",
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseTags(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTags() returned unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeBackend struct {
	*cpu.Backend
	names []string
}

type fakeTensor struct {
	ml.Tensor
	Name string
}

func (m *fakeBackend) Get(name string) ml.Tensor {
	if slices.Contains(m.names, name) {
		return &fakeTensor{Name: name}
	}

	return nil
}

func TestPopulateFields(t *testing.T) {
	type fakeStage struct {
		Conv *nn.Conv2D `gguf:"conv"`
	}

	type fakeModel struct {
		ConvIn *nn.Conv2D          `gguf:"conv_in"`
		Down   [2]fakeStage        `gguf:"down"`
		Up     *nn.ConvTranspose2D `gguf:"up"`
		Gamma  ml.Tensor           `gguf:"gamma"`
	}

	var m fakeModel
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"conv_in.weight",
			"conv_in.bias",
			"down.0.conv.weight",
			"down.0.conv.bias",
			"down.1.conv.weight",
			"gamma",
		},
	}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		ConvIn: &nn.Conv2D{
			Weight: &fakeTensor{Name: "conv_in.weight"},
			Bias:   &fakeTensor{Name: "conv_in.bias"},
		},
		Down: [2]fakeStage{
			{
				Conv: &nn.Conv2D{
					Weight: &fakeTensor{Name: "down.0.conv.weight"},
					Bias:   &fakeTensor{Name: "down.0.conv.bias"},
				},
			},
			{
				Conv: &nn.Conv2D{
					Weight: &fakeTensor{Name: "down.1.conv.weight"},
				},
			},
		},
		Gamma: &fakeTensor{Name: "gamma"},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestPopulateFieldsAlternateName(t *testing.T) {
	type fakeModel struct {
		ConvIn  *nn.Conv2D `gguf:"conv_in"`
		ConvOut *nn.Conv2D `gguf:"conv_out,alt:conv_in"`
	}

	m := fakeModel{}
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"conv_in.weight",
		},
	}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		ConvIn:  &nn.Conv2D{Weight: &fakeTensor{Name: "conv_in.weight"}},
		ConvOut: &nn.Conv2D{Weight: &fakeTensor{Name: "conv_in.weight"}},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}
