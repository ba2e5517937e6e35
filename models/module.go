// Package models holds the trainable pieces of a fine-tuning run: the
// backbone encoder, the adapter head on top of it, and the state dict
// contract used to save and restore them.
package models

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// Module is implemented by everything that owns parameters.
type Module interface {
	Parameters() []*tensor.Tensor // all parameters, trainable or not
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
	Train()
	Eval()
	IsTraining() bool
}

// StateDict maps parameter names to tensors.
type StateDict map[string]*tensor.Tensor

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HostCopy returns detached host copies of every tensor.
func (sd StateDict) HostCopy() (StateDict, error) {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		c, err := v.ToCPU()
		if err != nil {
			return nil, fmt.Errorf("failed to copy %q: %v", k, err)
		}
		out[k] = c
	}
	return out, nil
}

// WithPrefix returns the entries whose name starts with prefix, with the
// prefix removed.
func (sd StateDict) WithPrefix(prefix string) StateDict {
	out := StateDict{}
	for k, v := range sd {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// CheckStateDict reports whether sd can be loaded into dst: the key sets
// match and every tensor has the destination's shape and a float32 dtype.
func CheckStateDict(dst StateDict, sd StateDict) error {
	for _, k := range sd.Keys() {
		if _, ok := dst[k]; !ok {
			return fmt.Errorf("unexpected key %q: %w", k, errdefs.ErrCheckpointMismatch)
		}
	}
	for _, k := range dst.Keys() {
		src, ok := sd[k]
		if !ok {
			return fmt.Errorf("missing key %q: %w", k, errdefs.ErrCheckpointMismatch)
		}
		d := dst[k]
		if !sameShape(d.Shape, src.Shape) {
			return fmt.Errorf("key %q has shape %v, want %v: %w", k, src.Shape, d.Shape, errdefs.ErrCheckpointMismatch)
		}
		if src.DType != tensor.Float32 || d.DType != tensor.Float32 {
			return fmt.Errorf("key %q has dtype %s, want %s: %w", k, src.DType, tensor.Float32, errdefs.ErrCheckpointMismatch)
		}
	}
	return nil
}

// loadInto copies sd into the named destination tensors. Nothing is copied
// unless the whole of sd passes CheckStateDict.
func loadInto(dst StateDict, sd StateDict) error {
	if err := CheckStateDict(dst, sd); err != nil {
		return err
	}
	for _, k := range dst.Keys() {
		sv, err := sd[k].Float32s()
		if err != nil {
			return fmt.Errorf("key %q: %v", k, err)
		}
		dv, err := dst[k].Float32s()
		if err != nil {
			return fmt.Errorf("key %q: %v", k, err)
		}
		copy(dv, sv)
	}
	return nil
}

// LoadStateDictInto is loadInto for callers outside the package that manage
// their own parameter tables, such as adapters.
func LoadStateDictInto(dst StateDict, sd StateDict) error {
	return loadInto(dst, sd)
}

// Trainable filters params down to those that require gradients.
func Trainable(params []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad() {
			out = append(out, p)
		}
	}
	return out
}

// SetTrainable toggles gradient tracking on every parameter of m.
func SetTrainable(m Module, trainable bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(trainable)
	}
}

// ZeroGrad clears the gradients of every parameter of m.
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// ParamCount returns the total and trainable parameter counts of m.
func ParamCount(m Module) (total, trainable int) {
	for _, p := range m.Parameters() {
		total += p.NumElems
		if p.RequiresGrad() {
			trainable += p.NumElems
		}
	}
	return total, trainable
}

func sameShape(a, b []int) bool {
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

// Adapter replaces a Linear layer's weight with an effective weight derived
// from the frozen base weight and the adapter's own parameters.
type Adapter interface {
	Kind() string
	// EffectiveWeight returns the weight used by the forward pass. Merging an
	// adapter writes exactly this tensor into the base layer.
	EffectiveWeight(base *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates adapter gradients given dLoss/dW_eff.
	Backward(base *tensor.Tensor, grad *mat.Dense) error
	Parameters() []*tensor.Tensor
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
}

// Linear is a fully connected layer y = xW + b with W stored as [in, out].
type Linear struct {
	weight  *tensor.Tensor
	bias    *tensor.Tensor
	adapter Adapter
	input   *mat.Dense
	weff    *mat.Dense
}

// NewLinear creates a Linear layer with Xavier uniform weights drawn from rng
// and zero bias.
func NewLinear(inputSize, outputSize int, rng *rand.Rand) (*Linear, error) {
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.RandUniform([]int{inputSize, outputSize}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	bias, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	bias.SetRequiresGrad(true)

	return &Linear{weight: weight, bias: bias}, nil
}

func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }
func (l *Linear) Adapter() Adapter       { return l.adapter }

// SetAdapter attaches a to the layer; nil detaches the current adapter.
func (l *Linear) SetAdapter(a Adapter) { l.adapter = a }

// SetWeight replaces the base weight values in place.
func (l *Linear) SetWeight(w *tensor.Tensor) error {
	if !sameShape(w.Shape, l.weight.Shape) {
		return fmt.Errorf("weight shape %v, want %v: %w", w.Shape, l.weight.Shape, errdefs.ErrShapeMismatch)
	}
	src, err := w.Float32s()
	if err != nil {
		return err
	}
	dst, _ := l.weight.Float32s()
	copy(dst, src)
	return nil
}

// EffectiveWeight is the weight the forward pass multiplies by.
func (l *Linear) EffectiveWeight() (*tensor.Tensor, error) {
	if l.adapter == nil {
		return l.weight, nil
	}
	return l.adapter.EffectiveWeight(l.weight)
}

// Forward computes x·W_eff + b for x of shape [n, in] and caches x for
// Backward.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	wt, err := l.EffectiveWeight()
	if err != nil {
		return nil, err
	}
	w, err := tensor.ToDense(wt)
	if err != nil {
		return nil, err
	}
	_, in := x.Dims()
	if in != l.weight.Shape[0] {
		return nil, fmt.Errorf("linear input width %d, want %d: %w", in, l.weight.Shape[0], errdefs.ErrShapeMismatch)
	}
	bias, err := tensor.Float64s(l.bias)
	if err != nil {
		return nil, err
	}

	var y mat.Dense
	y.Mul(x, w)
	rows, cols := y.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y.Set(i, j, y.At(i, j)+bias[j])
		}
	}
	l.input = x
	l.weff = w
	return &y, nil
}

// Backward accumulates parameter gradients for dy = dLoss/dy and returns
// dLoss/dx. The weight gradient goes to the adapter when one is attached.
func (l *Linear) Backward(dy *mat.Dense) (*mat.Dense, error) {
	if l.input == nil {
		return nil, fmt.Errorf("linear backward called before forward")
	}
	rows, cols := dy.Dims()
	db := make([]float32, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			db[j] += float32(dy.At(i, j))
		}
	}
	if err := l.bias.AccumulateGrad(db); err != nil {
		return nil, err
	}

	var dw mat.Dense
	dw.Mul(l.input.T(), dy)
	if l.adapter != nil {
		if err := l.adapter.Backward(l.weight, &dw); err != nil {
			return nil, err
		}
	} else if l.weight.RequiresGrad() {
		if err := l.weight.AccumulateGrad(toFloat32(dw.RawMatrix().Data)); err != nil {
			return nil, err
		}
	}

	var dx mat.Dense
	dx.Mul(dy, l.weff.T())
	return &dx, nil
}

func (l *Linear) parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight, l.bias}
	if l.adapter != nil {
		params = append(params, l.adapter.Parameters()...)
	}
	return params
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
