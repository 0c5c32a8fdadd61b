package convert

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/x448/float16"
)

// stubTensor builds an in package tensor without checkpoint backing.
func stubTensor(name string, shape []uint64, data []float32) *computed {
	return &computed{
		data:       data,
		kind:       1,
		tensorBase: &tensorBase{name: name, shape: shape},
	}
}

func TestTensorBaseKind(t *testing.T) {
	if got := (&tensorBase{shape: []uint64{64}}).Kind(); got != 0 {
		t.Fatalf("bias kind = %v, want F32", got)
	}

	if got := (&tensorBase{shape: []uint64{3, 3, 2, 4}}).Kind(); got != 1 {
		t.Fatalf("conv kind = %v, want F16", got)
	}
}

func TestWriteHalfPrecision(t *testing.T) {
	tns := stubTensor("enc.0.conv0.weight", []uint64{1, 1, 2, 2}, []float32{0.5, -1, 2, 0})

	var b bytes.Buffer
	if _, err := tns.WriteTo(&b); err != nil {
		t.Fatal(err)
	}

	if got, want := b.Len(), 8; got != want {
		t.Fatalf("wrote %d bytes, want %d", got, want)
	}

	for i, want := range []float32{0.5, -1, 2, 0} {
		bits := binary.LittleEndian.Uint16(b.Bytes()[2*i:])
		if got := float16.Frombits(bits).Float32(); got != want {
			t.Fatalf("value %d = %v, want %v", i, got, want)
		}
	}
}

func TestSamsTensorName(t *testing.T) {
	m := &samsModel{}
	m.setDefaults()

	replacer := strings.NewReplacer(m.Replacements()...)

	cases := []struct {
		in, want string
	}{
		{"generator.encode_layers.0.weight", "conv_in.weight"},
		{"generator.encode_layers.0.bias", "conv_in.bias"},
		{"generator.encode_layers.1.norm_0.mlp_shared.0.weight", "enc.0.norm0.default.mlp_shared.weight"},
		{"generator.encode_layers.1.norm_0.mlp_gamma.bias", "enc.0.norm0.default.mlp_gamma.bias"},
		{"generator.encode_layers.3.conv_1.weight", "enc.1.conv1.weight"},
		{"generator.encode_layers.1.norm_s.mlp_shared.0.bias", "enc.0.norm_s.default.mlp_shared.bias"},
		{"generator.encode_layers.1.conv_s.weight", "enc.0.conv_s.weight"},
		{"generator.middle_layers.2.norm_1.spade_layers.densepose.mlp_gamma.weight", "mid.2.norm1.densepose.mlp_gamma.weight"},
		{"generator.middle_layers.0.norm_0.attentions.cloth.weight", "mid.0.norm0.gate.cloth.proj.weight"},
		{"generator.middle_layers.0.norm_0.attentions.cloth.bias", "mid.0.norm0.gate.cloth.proj.bias"},
		{"generator.middle_layers.1.norm_0.spade_layers.default_key.mlp_shared.0.weight", "mid.1.norm0.default.mlp_shared.weight"},
		{"generator.middle_layers.0.conv_0.weight", "mid.0.conv0.weight"},
		{"generator.decode_layers.1.norm_0.spade_layers.agnostic.mlp_shared.0.weight", "dec.0.norm0.agnostic.mlp_shared.weight"},
		{"generator.decode_layers.7.conv_1.bias", "dec.3.conv1.bias"},
		{"generator.decode_layers.8.weight", "conv_out.weight"},
		{"generator.decode_layers.8.bias", "conv_out.bias"},
		{"discriminator.layers.0.weight", ""},
		{"flownet.predict_flow2.weight", ""},
	}

	for _, tt := range cases {
		got, err := m.tensorName(replacer.Replace(tt.in))
		if err != nil {
			t.Fatalf("tensorName(%q): %v", tt.in, err)
		}

		if got != tt.want {
			t.Fatalf("tensorName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSamsTensorNameErrors(t *testing.T) {
	m := &samsModel{}
	m.setDefaults()

	replacer := strings.NewReplacer(m.Replacements()...)

	cases := []string{
		"generator.encode_layers.2.norm_0.mlp_shared.0.weight",
		"generator.decode_layers.2.norm_0.spade_layers.agnostic.mlp_shared.0.weight",
		"generator.unknown.0.weight",
		"generator.weight",
	}

	for _, in := range cases {
		if _, err := m.tensorName(replacer.Replace(in)); err == nil {
			t.Fatalf("tensorName(%q) did not fail", in)
		}
	}
}

func TestSamsTensorsSkipsTrainingState(t *testing.T) {
	m := &samsModel{}
	m.setDefaults()

	replacer := strings.NewReplacer(m.Replacements()...)

	out, err := m.Tensors([]Tensor{
		stubTensor(replacer.Replace("generator.encode_layers.0.weight"), []uint64{3, 3, 6, 64}, nil),
		stubTensor(replacer.Replace("generator.middle_layers.0.norm_0.param_free_norm.running_mean"), []uint64{1024}, nil),
		stubTensor(replacer.Replace("discriminator.layers.0.weight"), []uint64{4, 4, 3, 64}, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != 1 {
		t.Fatalf("got %d tensors, want 1", len(out))
	}

	if got, want := out[0].Name, "conv_in.weight"; got != want {
		t.Fatalf("name = %q, want %q", got, want)
	}
}

func TestSamsKVDefaults(t *testing.T) {
	m := &samsModel{}
	m.setDefaults()

	kv := m.KV()

	if got, want := kv["general.architecture"], "sams"; got != want {
		t.Fatalf("general.architecture = %v, want %v", got, want)
	}

	if got, want := kv["sams.frames"], uint32(2); got != want {
		t.Fatalf("sams.frames = %v, want %v", got, want)
	}

	if got, want := kv["sams.self_attention"], true; got != want {
		t.Fatalf("sams.self_attention = %v, want %v", got, want)
	}

	if got, want := kv["sams.flow"], false; got != want {
		t.Fatalf("sams.flow = %v, want %v", got, want)
	}

	if got, want := kv["sams.encoder_input"], "agnostic"; got != want {
		t.Fatalf("sams.encoder_input = %v, want %v", got, want)
	}

	if got, want := kv["sams.middle_count"], uint32(3); got != want {
		t.Fatalf("sams.middle_count = %v, want %v", got, want)
	}

	if got, want := kv["sams.width.base"], uint32(2); got != want {
		t.Fatalf("sams.width.base = %v, want %v", got, want)
	}

	if got, want := kv["sams.width.power_start"], uint32(6); got != want {
		t.Fatalf("sams.width.power_start = %v, want %v", got, want)
	}

	if got, want := kv["sams.width.power_end"], uint32(10); got != want {
		t.Fatalf("sams.width.power_end = %v, want %v", got, want)
	}

	if got, want := kv["sams.condition.agnostic.channels"], uint32(22); got != want {
		t.Fatalf("sams.condition.agnostic.channels = %v, want %v", got, want)
	}

	if got, want := kv["sams.image.width"], uint32(192); got != want {
		t.Fatalf("sams.image.width = %v, want %v", got, want)
	}

	if got, want := kv["sams.image.height"], uint32(256); got != want {
		t.Fatalf("sams.image.height = %v, want %v", got, want)
	}

	inputs, ok := kv["sams.person_inputs"].([]string)
	if !ok {
		t.Fatalf("sams.person_inputs has unexpected type %T", kv["sams.person_inputs"])
	}

	if got, want := strings.Join(inputs, ","), "agnostic,densepose"; got != want {
		t.Fatalf("sams.person_inputs = %v, want %v", got, want)
	}
}

func TestSamsDefaultsDoNotAliasDataset(t *testing.T) {
	a := &samsModel{}
	a.setDefaults()
	a.Conditions["agnostic"] = 99

	b := &samsModel{}
	b.setDefaults()

	if got, want := b.Conditions["agnostic"], uint32(22); got != want {
		t.Fatalf("agnostic channels = %v, want %v", got, want)
	}
}

func TestUnetmaskTensorName(t *testing.T) {
	m := &unetmaskModel{}
	m.setDefaults()

	cases := []struct {
		in, want string
	}{
		{"unet.model.0.weight", "down.0.conv.weight"},
		{"unet.model.0.bias", "down.0.conv.bias"},
		{"unet.model.3.weight", "up.0.conv.weight"},
		{"unet.model.1.model.1.weight", "down.1.conv.weight"},
		{"unet.model.1.model.5.bias", "up.1.conv.bias"},
		{"unet.model.1.model.3.model.1.weight", "down.2.conv.weight"},
		{"unet.model.1.model.3.model.3.model.1.weight", "down.3.conv.weight"},
		{"unet.model.1.model.3.model.3.model.3.model.1.bias", "down.4.conv.bias"},
		{"unet.model.1.model.3.model.3.model.3.model.5.weight", "up.4.conv.weight"},
		{"unet.model.1.model.3.model.3.model.3.model.3.model.1.weight", "down.5.conv.weight"},
		{"unet.model.1.model.3.model.3.model.3.model.3.model.3.weight", "up.5.conv.weight"},
		{"unet.model.1.model.6.running_mean", ""},
		{"unet.model.1.model.6.num_batches_tracked", ""},
		{"criterionVGG.vgg.slice1.0.weight", ""},
		{"resample.kernel", ""},
	}

	for _, tt := range cases {
		got, err := m.tensorName(tt.in)
		if err != nil {
			t.Fatalf("tensorName(%q): %v", tt.in, err)
		}

		if got != tt.want {
			t.Fatalf("tensorName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnetmaskTensorNameErrors(t *testing.T) {
	m := &unetmaskModel{}
	m.setDefaults()

	cases := []string{
		// slot 2 holds an activation at the outer level
		"unet.model.2.weight",
		// slot 4 holds an activation unless extra modules shifted the
		// layout, which the flat naming cannot express
		"unet.model.1.model.4.weight",
		"unet.model.1.weight",
		"unet.foo.weight",
		// deeper nesting than the configured depth
		"unet.model.1.model.3.model.3.model.3.model.3.model.3.model.3.weight",
	}

	for _, in := range cases {
		if _, err := m.tensorName(in); err == nil {
			t.Fatalf("tensorName(%q) did not fail", in)
		}
	}
}

func TestUnetmaskKVDefaults(t *testing.T) {
	m := &unetmaskModel{}
	m.setDefaults()

	kv := m.KV()

	if got, want := kv["general.architecture"], "unetmask"; got != want {
		t.Fatalf("general.architecture = %v, want %v", got, want)
	}

	// 64 * (ln 2 + 1) rounded down
	if got, want := kv["unetmask.features"], uint32(108); got != want {
		t.Fatalf("unetmask.features = %v, want %v", got, want)
	}

	if got, want := kv["unetmask.depth"], uint32(6); got != want {
		t.Fatalf("unetmask.depth = %v, want %v", got, want)
	}

	if got, want := kv["unetmask.self_attention"], false; got != want {
		t.Fatalf("unetmask.self_attention = %v, want %v", got, want)
	}
}

func TestConverterFor(t *testing.T) {
	if _, err := converterFor("sams"); err != nil {
		t.Fatal(err)
	}

	if _, err := converterFor(""); err != nil {
		t.Fatal(err)
	}

	if _, err := converterFor("unetmask"); err != nil {
		t.Fatal(err)
	}

	if _, err := converterFor("vgg19"); err == nil {
		t.Fatal("unknown architecture did not fail")
	}
}

func TestCheckpointFiles(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "model.ckpt")
	if err := os.WriteFile(ckpt, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, root, err := checkpointFiles(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(files) != 1 || files[0] != ckpt || root != dir {
		t.Fatalf("checkpointFiles(dir) = %v, %q", files, root)
	}

	files, root, err = checkpointFiles(ckpt)
	if err != nil {
		t.Fatal(err)
	}

	if len(files) != 1 || files[0] != ckpt || root != dir {
		t.Fatalf("checkpointFiles(file) = %v, %q", files, root)
	}

	if _, _, err := checkpointFiles(t.TempDir()); err == nil {
		t.Fatal("empty directory did not fail")
	}
}

func TestConvertModelUnknownArchitecture(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.ckpt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"architecture":"vgg19"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	err := ConvertModel(dir, nil)
	if err == nil {
		t.Fatal("unknown architecture did not fail")
	}

	if !strings.Contains(err.Error(), "unsupported architecture") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConvertModelBadCheckpoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.ckpt"), []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ConvertModel(dir, nil); err == nil {
		t.Fatal("corrupt checkpoint did not fail")
	}
}
