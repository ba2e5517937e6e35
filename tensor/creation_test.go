package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestZeros(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		dtype DType
	}{
		{"Float32 matrix", []int{2, 3}, Float32},
		{"Int32 vector", []int{4}, Int32},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			z, err := Zeros(test.shape, test.dtype, CPU)
			if err != nil {
				t.Fatalf("Zeros failed: %v", err)
			}
			if z.NumElems != calculateNumElements(test.shape) {
				t.Errorf("NumElems = %d", z.NumElems)
			}
			f, err := z.AsFloat32()
			if err != nil {
				t.Fatal(err)
			}
			values, _ := f.Float32s()
			for i, v := range values {
				if v != 0 {
					t.Errorf("element %d = %v", i, v)
				}
			}
		})
	}

	if _, err := Zeros([]int{2, 0}, Float32, CPU); err == nil {
		t.Error("Expected an error for a zero dimension")
	}
}

func TestFull(t *testing.T) {
	f, err := Full([]int{3}, 0.25, CPU)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	values, _ := f.Float32s()
	for i, v := range values {
		if v != 0.25 {
			t.Errorf("element %d = %v, want 0.25", i, v)
		}
	}
}

func TestFromSlicesShareStorage(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	f, err := FromFloat32s([]int{2, 2}, data)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 9
	if v, _ := f.Float32s(); v[0] != 9 {
		t.Error("FromFloat32s should not copy its input")
	}
	if _, err := FromInt32s([]int{3}, []int32{1, 2}); err == nil {
		t.Error("Expected a length mismatch error")
	}
}

func TestRandUniformBoundsAndSeed(t *testing.T) {
	a, err := RandUniform([]int{8, 8}, 0.5, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RandUniform([]int{8, 8}, 0.5, rand.New(rand.NewSource(7)))
	if !Equal(a, b) {
		t.Error("Same seed should give the same values")
	}
	values, _ := a.Float32s()
	for _, v := range values {
		if math.Abs(float64(v)) > 0.5 {
			t.Fatalf("value %v outside the bound", v)
		}
	}
}
