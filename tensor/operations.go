package tensor

import (
	"fmt"
	"math"
)

// Sigmoid applies the logistic function elementwise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("sigmoid: %v", err)
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(sigmoid64(float64(v)))
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

func sigmoid64(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

// Softmax normalises the last dimension.
func Softmax(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("softmax: %v", err)
	}
	cols := t.Shape[len(t.Shape)-1]
	rows := t.NumElems / cols
	out := make([]float32, len(data))

	for i := 0; i < rows; i++ {
		offset := i * cols

		// max for numerical stability
		maxVal := data[offset]
		for j := 1; j < cols; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float64
		for j := 0; j < cols; j++ {
			e := math.Exp(float64(data[offset+j] - maxVal))
			out[offset+j] = float32(e)
			sum += e
		}
		for j := 0; j < cols; j++ {
			out[offset+j] = float32(float64(out[offset+j]) / sum)
		}
	}

	return NewTensor(t.Shape, Float32, t.Device, out)
}

// Argmax returns the index of the largest value along the last dimension.
// The result has the input shape minus its last dimension.
func Argmax(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("argmax: %v", err)
	}
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("argmax requires at least 2 dimensions, got shape %v", t.Shape)
	}
	cols := t.Shape[len(t.Shape)-1]
	rows := t.NumElems / cols
	out := make([]int32, rows)

	for i := 0; i < rows; i++ {
		offset := i * cols
		maxIdx := 0
		maxVal := data[offset]
		for j := 1; j < cols; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
				maxIdx = j
			}
		}
		out[i] = int32(maxIdx)
	}

	return NewTensor(t.Shape[:len(t.Shape)-1], Int32, t.Device, out)
}

// Column extracts column j of a 2-D Float32 tensor as a rank-1 tensor.
func Column(t *Tensor, j int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("column requires a 2-D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if j < 0 || j >= cols {
		return nil, fmt.Errorf("column %d out of range [0, %d)", j, cols)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		out[i] = data[i*cols+j]
	}
	return NewTensor([]int{rows}, Float32, t.Device, out)
}
