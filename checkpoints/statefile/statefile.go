// Package statefile encodes named state dicts into a single protobuf wire
// format file. Tensors use the field numbers of ONNX TensorProto (dims,
// data_type, name, raw_data) so a file can be inspected with generic
// protobuf tooling.
package statefile

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// Format identifies files written by this package.
const Format = "plmtune.state/v1"

// File field numbers.
const (
	fileFormat  protowire.Number = 1
	fileLayout  protowire.Number = 2
	fileCreated protowire.Number = 3
	fileSection protowire.Number = 4
)

// Section field numbers.
const (
	sectionName   protowire.Number = 1
	sectionTensor protowire.Number = 2
)

// Tensor field numbers, as in onnx.TensorProto.
const (
	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	dataTypeFloat = 1
)

// File is a decoded state file.
type File struct {
	// Layout names the checkpoint layout that wrote the file.
	Layout string
	// Created is the write time in Unix seconds.
	Created  int64
	Sections map[string]models.StateDict
}

// Marshal encodes f. Sections and tensors are written in sorted order so
// equal inputs give equal bytes.
func Marshal(f *File) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fileFormat, protowire.BytesType)
	b = protowire.AppendString(b, Format)
	b = protowire.AppendTag(b, fileLayout, protowire.BytesType)
	b = protowire.AppendString(b, f.Layout)
	if f.Created != 0 {
		b = protowire.AppendTag(b, fileCreated, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Created))
	}
	for _, name := range sortedSections(f.Sections) {
		sec, err := marshalSection(name, f.Sections[name])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fileSection, protowire.BytesType)
		b = protowire.AppendBytes(b, sec)
	}
	return b, nil
}

func marshalSection(name string, sd models.StateDict) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, sectionName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	for _, key := range sd.Keys() {
		t, err := marshalTensor(key, sd[key])
		if err != nil {
			return nil, fmt.Errorf("section %q: %v", name, err)
		}
		b = protowire.AppendTag(b, sectionTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	return b, nil
}

func marshalTensor(name string, t *tensor.Tensor) ([]byte, error) {
	values, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %v", name, err)
	}
	var dims []byte
	for _, d := range t.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// Unmarshal decodes a state file. Data that is not a state file is reported
// as a checkpoint mismatch.
func Unmarshal(b []byte) (*File, error) {
	f := &File{Sections: map[string]models.StateDict{}}
	format := ""
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fileFormat && typ == protowire.BytesType:
			format = string(v)
		case num == fileLayout && typ == protowire.BytesType:
			f.Layout = string(v)
		case num == fileCreated && typ == protowire.VarintType:
			f.Created = int64(x)
		case num == fileSection && typ == protowire.BytesType:
			name, sd, err := unmarshalSection(v)
			if err != nil {
				return err
			}
			f.Sections[name] = sd
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode state file: %v: %w", err, errdefs.ErrCheckpointMismatch)
	}
	if format != Format {
		return nil, fmt.Errorf("not a state file (format %q): %w", format, errdefs.ErrCheckpointMismatch)
	}
	return f, nil
}

func unmarshalSection(b []byte) (string, models.StateDict, error) {
	name := ""
	sd := models.StateDict{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == sectionName && typ == protowire.BytesType:
			name = string(v)
		case num == sectionTensor && typ == protowire.BytesType:
			key, t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			sd[key] = t
		}
		return nil
	})
	return name, sd, err
}

func unmarshalTensor(b []byte) (string, *tensor.Tensor, error) {
	var (
		name  string
		shape []int
		raw   []byte
		dtype uint64 = dataTypeFloat
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == tensorDims && typ == protowire.BytesType:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(d))
				v = v[n:]
			}
		case num == tensorDataType && typ == protowire.VarintType:
			dtype = x
		case num == tensorName && typ == protowire.BytesType:
			name = string(v)
		case num == tensorRawData && typ == protowire.BytesType:
			raw = v
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if dtype != dataTypeFloat {
		return "", nil, fmt.Errorf("tensor %q has unsupported data type %d", name, dtype)
	}
	if len(raw)%4 != 0 {
		return "", nil, fmt.Errorf("tensor %q raw data length %d is not a multiple of 4", name, len(raw))
	}
	values := make([]float32, len(raw)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	t, err := tensor.FromFloat32s(shape, values)
	if err != nil {
		return "", nil, fmt.Errorf("tensor %q: %v", name, err)
	}
	return name, t, nil
}

// walk calls fn for every field of a message. Bytes fields pass their
// payload in v, varint fields their value in x.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func sortedSections(sections map[string]models.StateDict) []string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
