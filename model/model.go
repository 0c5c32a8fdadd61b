// Package model hosts the generator architectures and the machinery that
// binds their weights to tensors in a model file.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/vtonlabs/tryon/framecache"
	"github.com/vtonlabs/tryon/fs"
	"github.com/vtonlabs/tryon/ml"
	_ "github.com/vtonlabs/tryon/ml/backend/cpu"
)

// Model implements a specific generator architecture, defining the forward
// pass for one output frame and any architecture-specific configuration.
type Model interface {
	// Forward synthesizes the next try-on frame from the batch's condition
	// maps and the previously synthesized frames held in the cache.
	Forward(ml.Context, Batch) (ml.Tensor, error)

	Backend() ml.Backend
	Config() config
}

// Batch carries the inputs for one synthesized frame.
type Batch struct {
	// Conditions maps condition names to this frame's semantic maps,
	// shaped (w, h, channels, n).
	Conditions map[string]ml.Tensor

	// Previous holds the prior window's encoder input maps flattened on
	// channels. Nil at the start of a clip; models substitute zeros.
	Previous ml.Tensor

	// Flow is the per pixel motion field (w, h, 2, n) for flow blending
	// models. Nil otherwise.
	Flow ml.Tensor
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
	config
}

type config struct {
	Cache *framecache.Cache
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a new model instance with the provided configuration based on the metadata in the model file
func New(modelPath string) (Model, error) {
	r, err := os.Open(modelPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err := ml.NewBackend(r)
	if err != nil {
		return nil, err
	}

	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: m.Config()}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

// Describe builds the architecture named by the configuration without
// binding weights. The result can report its stages and window but must
// not run a forward pass.
func Describe(c fs.Config) (Model, error) {
	f, ok := models[c.Architecture()]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", c.Architecture())
	}

	return f(c)
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("gguf"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			} else if tt.Kind() == reflect.Map && tt.Key().Kind() == reflect.String {
				// Maps hold condition-keyed sub-layers. The constructor
				// allocates the values; the map key joins the tensor name.
				iter := vv.MapRange()
				for iter.Next() {
					pv := iter.Value()
					if pv.Kind() == reflect.Pointer && !pv.IsNil() {
						ev := pv.Elem()
						ev.Set(populateFields(base, ev, append(tagsCopy, Tag{Name: iter.Key().String()})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}

// Forward runs one synthesis step and computes the result.
func Forward(ctx ml.Context, m Model, batch Batch) (ml.Tensor, error) {
	if len(batch.Conditions) == 0 {
		return nil, errors.New("batch has no condition maps")
	}

	t, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	ctx.Forward(t).Compute(t)

	return t, nil
}
