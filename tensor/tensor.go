package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// DeviceType tags where a tensor's storage is considered to live. Storage is
// always Go memory; the tag lets the training loop reason about host copies
// the same way the distributed runtime does.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a device name ("cpu", "cuda", "gpu") to a DeviceType.
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "", "cpu", "CPU":
		return CPU, nil
	case "gpu", "GPU", "cuda":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       DeviceType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if !requires {
		t.grad = nil
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds g into the tensor's gradient buffer, allocating it on
// first use. Tensors that do not require gradients ignore the call.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if !t.requiresGrad {
		return nil
	}
	if t.DType != Float32 {
		return fmt.Errorf("gradients require Float32 tensors, got %s", t.DType)
	}
	if len(g) != t.NumElems {
		return fmt.Errorf("gradient length %d does not match tensor size %d", len(g), t.NumElems)
	}
	if t.grad == nil {
		buf := make([]float32, t.NumElems)
		grad, err := NewTensor(t.Shape, Float32, t.Device, buf)
		if err != nil {
			return err
		}
		t.grad = grad
	}
	dst := t.grad.Data.([]float32)
	for i, v := range g {
		dst[i] += v
	}
	return nil
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
