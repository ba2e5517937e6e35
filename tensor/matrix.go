package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense copies a 2-D Float32 tensor into a gonum dense matrix.
func ToDense(t *Tensor) (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ToDense requires a 2-D tensor, got shape %v", t.Shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	buf := make([]float64, len(data))
	for i, v := range data {
		buf[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], buf), nil
}

// FromDense rounds a gonum matrix into a new CPU Float32 tensor.
func FromDense(m mat.Matrix) (*Tensor, error) {
	r, c := m.Dims()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = float32(m.At(i, j))
		}
	}
	return NewTensor([]int{r, c}, Float32, CPU, out)
}

// CopyFromDense overwrites a 2-D Float32 tensor in place with the values of m.
func CopyFromDense(t *Tensor, m mat.Matrix) error {
	r, c := m.Dims()
	if len(t.Shape) != 2 || t.Shape[0] != r || t.Shape[1] != c {
		return fmt.Errorf("shape mismatch: tensor %v vs matrix [%d %d]", t.Shape, r, c)
	}
	data, err := t.Float32s()
	if err != nil {
		return err
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = float32(m.At(i, j))
		}
	}
	return nil
}

// Float64s widens a Float32 tensor's values into a new slice.
func Float64s(t *Tensor) ([]float64, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out, nil
}
