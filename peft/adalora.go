package peft

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// adalora parameterises the update in SVD form, W_eff = W + s·P·diag(λ)·Q,
// with P [in, r], λ [r] and Q [r, out]. λ starts at zero.
type adalora struct {
	config Config
	p, q   *tensor.Tensor
	lambda *tensor.Tensor
}

func newAdaLoRA(cfg Config, base *tensor.Tensor, rng *rand.Rand) (*adalora, error) {
	in, out := base.Shape[0], base.Shape[1]
	p, err := tensor.RandUniform([]int{in, cfg.Rank}, 0.02, rng)
	if err != nil {
		return nil, err
	}
	q, err := tensor.RandUniform([]int{cfg.Rank, out}, 0.02, rng)
	if err != nil {
		return nil, err
	}
	lambda, err := tensor.Zeros([]int{cfg.Rank}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	return &adalora{config: cfg, p: p, q: q, lambda: lambda}, nil
}

func (a *adalora) Kind() string   { return string(a.config.Kind) }
func (a *adalora) Config() Config { return a.config }

func (a *adalora) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{a.p, a.lambda, a.q}
}

func (a *adalora) StateDict() models.StateDict {
	return models.StateDict{
		"dense.lora_A": a.p,
		"dense.lora_E": a.lambda,
		"dense.lora_B": a.q,
	}
}

func (a *adalora) LoadStateDict(sd models.StateDict) error {
	return models.LoadStateDictInto(a.StateDict(), sd)
}

// factors returns P·diag(λ) and diag(λ)·Q alongside P, Q and λ.
func (a *adalora) factors() (p, q, pl, lq *mat.Dense, lambda []float64, err error) {
	if p, err = tensor.ToDense(a.p); err != nil {
		return
	}
	if q, err = tensor.ToDense(a.q); err != nil {
		return
	}
	if lambda, err = tensor.Float64s(a.lambda); err != nil {
		return
	}
	diag := mat.NewDiagDense(len(lambda), lambda)
	pl, lq = &mat.Dense{}, &mat.Dense{}
	pl.Mul(p, diag)
	lq.Mul(diag, q)
	return
}

func (a *adalora) EffectiveWeight(base *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := tensor.ToDense(base)
	if err != nil {
		return nil, err
	}
	_, q, pl, _, _, err := a.factors()
	if err != nil {
		return nil, err
	}
	var weff mat.Dense
	weff.Mul(pl, q)
	weff.Scale(a.config.Scale(), &weff)
	weff.Add(w, &weff)
	return tensor.FromDense(&weff)
}

func (a *adalora) Backward(base *tensor.Tensor, grad *mat.Dense) error {
	p, q, pl, lq, _, err := a.factors()
	if err != nil {
		return err
	}
	s := a.config.Scale()

	var dp, dq, pg mat.Dense
	dp.Mul(grad, lq.T())
	dp.Scale(s, &dp)
	dq.Mul(pl.T(), grad)
	dq.Scale(s, &dq)

	// dλ_k = s·(Pᵀ·G·Qᵀ)_kk
	pg.Mul(p.T(), grad)
	dl := make([]float32, a.lambda.NumElems)
	_, out := grad.Dims()
	for k := range dl {
		sum := 0.0
		for j := 0; j < out; j++ {
			sum += pg.At(k, j) * q.At(k, j)
		}
		dl[k] = float32(s * sum)
	}

	if err := a.p.AccumulateGrad(flatten(&dp)); err != nil {
		return err
	}
	if err := a.q.AccumulateGrad(flatten(&dq)); err != nil {
		return err
	}
	return a.lambda.AccumulateGrad(dl)
}
