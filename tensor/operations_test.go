package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestSoftmaxRowsSumToOne(t *testing.T) {
	logits, _ := FromFloat32s([]int{2, 3}, []float32{1, 2, 3, -1, 0, 1000})
	probs, err := Softmax(logits)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	data := probs.Data.([]float32)
	for row := 0; row < 2; row++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(data[row*3+j])
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("row %d sums to %f", row, sum)
		}
	}
	if data[5] < 0.999 {
		t.Errorf("large logit should dominate, got %f", data[5])
	}
}

func TestSigmoid(t *testing.T) {
	x, _ := FromFloat32s([]int{3}, []float32{0, 100, -100})
	s, err := Sigmoid(x)
	if err != nil {
		t.Fatalf("Sigmoid failed: %v", err)
	}
	data := s.Data.([]float32)
	if data[0] != 0.5 || data[1] != 1 || data[2] > 1e-30 {
		t.Errorf("Sigmoid = %v", data)
	}
}

func TestArgmax(t *testing.T) {
	logits, _ := FromFloat32s([]int{2, 2, 3}, []float32{
		0, 1, 0,
		5, 1, 2,
		0, 0, 9,
		1, 1, 1,
	})
	idx, err := Argmax(logits)
	if err != nil {
		t.Fatalf("Argmax failed: %v", err)
	}
	if !reflect.DeepEqual(idx.Shape, []int{2, 2}) {
		t.Errorf("shape = %v", idx.Shape)
	}
	if !reflect.DeepEqual(idx.Data.([]int32), []int32{1, 0, 2, 0}) {
		t.Errorf("Argmax = %v", idx.Data)
	}
}

func TestColumn(t *testing.T) {
	logits, _ := FromFloat32s([]int{2, 2}, []float32{1, 2, 3, 4})
	col, err := Column(logits, 1)
	if err != nil {
		t.Fatalf("Column failed: %v", err)
	}
	if !reflect.DeepEqual(col.Data.([]float32), []float32{2, 4}) {
		t.Errorf("Column = %v", col.Data)
	}
	if _, err := Column(logits, 2); err == nil {
		t.Error("expected out of range error")
	}
}

func TestDenseRoundTrip(t *testing.T) {
	w, _ := FromFloat32s([]int{2, 3}, []float32{0.1, -0.2, 0.3, 1.5, 2.25, -3})
	d, err := ToDense(w)
	if err != nil {
		t.Fatalf("ToDense failed: %v", err)
	}
	back, err := FromDense(d)
	if err != nil {
		t.Fatalf("FromDense failed: %v", err)
	}
	if !Equal(w, back) {
		t.Errorf("dense round trip changed values: %v vs %v", w.Data, back.Data)
	}
}
