package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a new tensor with the same data but different shape.
// The new shape must have the same total number of elements; one dimension
// may be -1 and is then inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data, // shares storage
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Squeeze drops every dimension of size 1. A tensor made only of singleton
// dimensions keeps a single dimension of size 1.
func (t *Tensor) Squeeze() (*Tensor, error) {
	shape := make([]int, 0, len(t.Shape))
	for _, dim := range t.Shape {
		if dim != 1 {
			shape = append(shape, dim)
		}
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return t.Reshape(shape)
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        make([]int, len(t.Shape)),
		Strides:      make([]int, len(t.Strides)),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch t.DType {
	case Float32:
		data, ok := t.Data.([]float32)
		if !ok {
			return nil, fmt.Errorf("tensor has nil data")
		}
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		data, ok := t.Data.([]int32)
		if !ok {
			return nil, fmt.Errorf("tensor has nil data")
		}
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

// To returns a copy of the tensor tagged with the given device. A tensor that
// is already on the device is returned as-is.
func (t *Tensor) To(device DeviceType) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	moved, err := t.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to move tensor to %s: %v", device, err)
	}
	moved.Device = device
	return moved, nil
}

// ToCPU returns a host-memory copy of the tensor that does not share storage
// with the receiver, even when the receiver already lives on the CPU.
func (t *Tensor) ToCPU() (*Tensor, error) {
	host, err := t.Clone()
	if err != nil {
		return nil, err
	}
	host.Device = CPU
	host.requiresGrad = false
	return host, nil
}

// Float32s returns the underlying Float32 storage.
func (t *Tensor) Float32s() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected Float32 tensor, got %s", t.DType)
	}
	return data, nil
}

// Int32s returns the underlying Int32 storage.
func (t *Tensor) Int32s() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("expected Int32 tensor, got %s", t.DType)
	}
	return data, nil
}

// AsFloat32 returns a Float32 view of the tensor, converting Int32 values.
func (t *Tensor) AsFloat32() (*Tensor, error) {
	switch t.DType {
	case Float32:
		return t, nil
	case Int32:
		src := t.Data.([]int32)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		return NewTensor(t.Shape, Float32, t.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype for AsFloat32: %s", t.DType)
	}
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got shape %v", t.Shape)
	}
	switch d := t.Data.(type) {
	case []float32:
		return float64(d[0]), nil
	case []int32:
		return float64(d[0]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Equal reports whether two tensors have the same dtype, shape and bit-identical
// contents. Devices are not compared.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	switch da := a.Data.(type) {
	case []float32:
		db, ok := b.Data.([]float32)
		if !ok || len(da) != len(db) {
			return false
		}
		for i := range da {
			if math.Float32bits(da[i]) != math.Float32bits(db[i]) {
				return false
			}
		}
		return true
	case []int32:
		db, ok := b.Data.([]int32)
		if !ok || len(da) != len(db) {
			return false
		}
		for i := range da {
			if da[i] != db[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// BroadcastRows expands a rank-1 tensor of length n to shape [n, cols] by
// repeating each value along the second dimension.
func BroadcastRows(t *Tensor, cols int) (*Tensor, error) {
	if len(t.Shape) != 1 {
		return nil, fmt.Errorf("BroadcastRows expects a rank-1 tensor, got shape %v", t.Shape)
	}
	n := t.Shape[0]
	shape := []int{n, cols}
	switch d := t.Data.(type) {
	case []int32:
		out := make([]int32, n*cols)
		for i, v := range d {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = v
			}
		}
		return NewTensor(shape, Int32, t.Device, out)
	case []float32:
		out := make([]float32, n*cols)
		for i, v := range d {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = v
			}
		}
		return NewTensor(shape, Float32, t.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype for BroadcastRows: %s", t.DType)
	}
}
