package ggml

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/x448/float16"
)

// Magic constant for gguf files, little endian.
const fileMagicGGUF = 0x46554747

const ggufVersion = 3

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

var ErrUnsupportedFormat = errors.New("unsupported model format")

type GGML struct {
	kv      KV
	tensors Tensors

	// Length is the decoded header size; tensor data begins at
	// Tensors().Offset.
	Length int64
}

func (g *GGML) KV() KV {
	return g.kv
}

func (g *GGML) Tensors() Tensors {
	return g.tensors
}

// Decode reads the metadata and tensor table of a model file. Tensor data
// is not read; each tensor records its offset relative to Tensors().Offset.
func Decode(rs io.ReadSeeker) (*GGML, error) {
	var magic uint32
	if err := binary.Read(rs, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	if magic != fileMagicGGUF {
		return nil, fmt.Errorf("%w: invalid file magic %#x", ErrUnsupportedFormat, magic)
	}

	var version uint32
	if err := binary.Read(rs, binary.LittleEndian, &version); err != nil {
		return nil, err
	}

	if version != ggufVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, version)
	}

	var numTensors, numKV uint64
	if err := binary.Read(rs, binary.LittleEndian, &numTensors); err != nil {
		return nil, err
	}

	if err := binary.Read(rs, binary.LittleEndian, &numKV); err != nil {
		return nil, err
	}

	kv := make(KV, numKV)
	for range numKV {
		key, err := readGGUFString(rs)
		if err != nil {
			return nil, err
		}

		val, err := readGGUFValue(rs)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}

		kv[key] = val
	}

	items := make([]*Tensor, 0, numTensors)
	for range numTensors {
		t, err := readGGUFTensorInfo(rs)
		if err != nil {
			return nil, err
		}

		items = append(items, t)
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	padding := ggufPadding(offset, int64(kv.Alignment()))

	return &GGML{
		kv: kv,
		tensors: Tensors{
			items:  items,
			Offset: offset + padding,
		},
		Length: offset,
	}, nil
}

func readGGUFString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}

	if n > 1<<32 {
		return "", fmt.Errorf("%w: string length %d", ErrUnsupportedFormat, n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}

// readGGUFValue reads one typed value. Integer scalars are widened to
// uint32 or uint64 so metadata written by other tools still satisfies the
// KV accessors.
func readGGUFValue(r io.Reader) (any, error) {
	var t uint32
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return nil, err
	}

	return readGGUFValueTyped(r, t)
}

func readGGUFValueTyped(r io.Reader, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint32(v), err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint32(v), err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint32(v), err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint32(v), err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint32(v), err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v == 1, err
	case ggufTypeString:
		return readGGUFString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return float32(v), err
	case ggufTypeArray:
		return readGGUFArray(r)
	default:
		return nil, fmt.Errorf("%w: value type %d", ErrUnsupportedFormat, t)
	}
}

func readGGUFArray(r io.Reader) (any, error) {
	var t uint32
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return nil, err
	}

	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n > 1<<24 {
		return nil, fmt.Errorf("%w: array length %d", ErrUnsupportedFormat, n)
	}

	switch t {
	case ggufTypeString:
		vals := make([]string, 0, n)
		for range n {
			v, err := readGGUFString(r)
			if err != nil {
				return nil, err
			}

			vals = append(vals, v)
		}

		return vals, nil
	case ggufTypeFloat32, ggufTypeFloat64:
		vals := make([]float32, 0, n)
		for range n {
			v, err := readGGUFValueTyped(r, t)
			if err != nil {
				return nil, err
			}

			vals = append(vals, v.(float32))
		}

		return vals, nil
	case ggufTypeUint8, ggufTypeInt8, ggufTypeUint16, ggufTypeInt16, ggufTypeUint32, ggufTypeInt32:
		vals := make([]uint32, 0, n)
		for range n {
			v, err := readGGUFValueTyped(r, t)
			if err != nil {
				return nil, err
			}

			vals = append(vals, v.(uint32))
		}

		return vals, nil
	default:
		return nil, fmt.Errorf("%w: array type %d", ErrUnsupportedFormat, t)
	}
}

func readGGUFTensorInfo(r io.Reader) (*Tensor, error) {
	name, err := readGGUFString(r)
	if err != nil {
		return nil, err
	}

	var dims uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, err
	}

	if dims > 4 {
		return nil, fmt.Errorf("%w: tensor %s has %d dimensions", ErrUnsupportedFormat, name, dims)
	}

	shape := make([]uint64, dims)
	for i := range shape {
		if err := binary.Read(r, binary.LittleEndian, &shape[i]); err != nil {
			return nil, err
		}
	}

	var kind uint32
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return nil, err
	}

	var offset uint64
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return nil, err
	}

	return &Tensor{
		Name:   name,
		Kind:   kind,
		Offset: offset,
		Shape:  shape,
	}, nil
}

// WriteGGUF writes a model file: header, metadata sorted by key, tensor
// table, then tensor data at aligned offsets. Tensor data is written in
// parallel through offset writers.
func WriteGGUF(f *os.File, kv KV, ts []*Tensor) error {
	alignment := int64(kv.Alignment())

	kv = maps.Clone(kv)
	var params uint64
	for _, t := range ts {
		params += t.Elements()
	}
	kv["general.parameter_count"] = params

	for _, v := range []any{
		uint32(fileMagicGGUF),
		uint32(ggufVersion),
		uint64(len(ts)),
		uint64(len(kv)),
	} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for _, key := range slices.Sorted(maps.Keys(kv)) {
		if err := ggufWriteKV(f, key, kv[key]); err != nil {
			return err
		}
	}

	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	var offset uint64
	for _, t := range ts {
		t.Offset = offset
		offset += t.Size()
		offset += uint64(ggufPadding(int64(offset), alignment))
	}

	for _, t := range ts {
		if err := ggufWriteTensorInfo(f, t); err != nil {
			return err
		}
	}

	base, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	base += ggufPadding(base, alignment)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, base+int64(t.Offset))
		g.Go(func() error {
			_, err := t.WriteTo(w)
			return err
		})
	}

	return g.Wait()
}

func ggufWriteKV(w io.Writer, key string, v any) error {
	if err := ggufWriteString(w, key); err != nil {
		return err
	}

	switch v := v.(type) {
	case uint32:
		return ggufWriteScalar(w, ggufTypeUint32, v)
	case uint64:
		return ggufWriteScalar(w, ggufTypeUint64, v)
	case float32:
		return ggufWriteScalar(w, ggufTypeFloat32, v)
	case bool:
		return ggufWriteScalar(w, ggufTypeBool, v)
	case string:
		if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
			return err
		}

		return ggufWriteString(w, v)
	case []string:
		if err := ggufWriteArrayHeader(w, ggufTypeString, len(v)); err != nil {
			return err
		}

		for _, s := range v {
			if err := ggufWriteString(w, s); err != nil {
				return err
			}
		}

		return nil
	case []uint32:
		if err := ggufWriteArrayHeader(w, ggufTypeUint32, len(v)); err != nil {
			return err
		}

		return binary.Write(w, binary.LittleEndian, v)
	case []float32:
		if err := ggufWriteArrayHeader(w, ggufTypeFloat32, len(v)); err != nil {
			return err
		}

		return binary.Write(w, binary.LittleEndian, v)
	default:
		return fmt.Errorf("improper type for '%s'", key)
	}
}

func ggufWriteScalar(w io.Writer, t uint32, v any) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, v)
}

func ggufWriteArrayHeader(w io.Writer, t uint32, n int) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeArray); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, uint64(n))
}

func ggufWriteString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

func ggufWriteTensorInfo(w io.Writer, t *Tensor) error {
	if err := ggufWriteString(w, t.Name); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}

	for _, n := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, n); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, t.Kind); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, t.Offset)
}

func ggufPadding(offset, align int64) int64 {
	return (align - offset%align) % align
}

// F32Bytes converts float32 data to its little endian byte layout.
func F32Bytes(data []float32) []byte {
	b := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}

	return b
}

// F16Bytes converts float32 data to little endian half precision bytes.
func F16Bytes(data []float32) []byte {
	b := make([]byte, 2*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(f).Bits())
	}

	return b
}

// F16ToF32 converts little endian half precision bytes to float32 data.
func F16ToF32(b []byte) []float32 {
	data := make([]float32, len(b)/2)
	for i := range data {
		data[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	}

	return data
}
