package peft

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// ia3 rescales the output features of the layer, W_eff = W·diag(l), with l
// starting at one.
type ia3 struct {
	config Config
	l      *tensor.Tensor
}

func newIA3(cfg Config, base *tensor.Tensor) (*ia3, error) {
	l, err := tensor.Full([]int{base.Shape[1]}, 1, tensor.CPU)
	if err != nil {
		return nil, err
	}
	return &ia3{config: cfg, l: l}, nil
}

func (a *ia3) Kind() string   { return string(a.config.Kind) }
func (a *ia3) Config() Config { return a.config }

func (a *ia3) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{a.l}
}

func (a *ia3) StateDict() models.StateDict {
	return models.StateDict{"dense.ia3_l": a.l}
}

func (a *ia3) LoadStateDict(sd models.StateDict) error {
	return models.LoadStateDictInto(a.StateDict(), sd)
}

func (a *ia3) EffectiveWeight(base *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := tensor.ToDense(base)
	if err != nil {
		return nil, err
	}
	l, err := tensor.Float64s(a.l)
	if err != nil {
		return nil, err
	}
	var weff mat.Dense
	weff.Mul(w, mat.NewDiagDense(len(l), l))
	return tensor.FromDense(&weff)
}

func (a *ia3) Backward(base *tensor.Tensor, grad *mat.Dense) error {
	w, err := tensor.ToDense(base)
	if err != nil {
		return err
	}
	r, c := grad.Dims()
	dl := make([]float32, c)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += grad.At(i, j) * w.At(i, j)
		}
		dl[j] = float32(sum)
	}
	return a.l.AccumulateGrad(dl)
}
