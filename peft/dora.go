package peft

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// dora decomposes the adapted weight into direction and magnitude:
// V = W + s·A·B and W_eff[:, j] = m[j]·V[:, j]/‖V[:, j]‖.
type dora struct {
	*lora
	magnitude *tensor.Tensor
}

func newDoRA(cfg Config, base *tensor.Tensor, rng *rand.Rand) (*dora, error) {
	l, err := newLoRA(cfg, base, rng)
	if err != nil {
		return nil, err
	}
	w, err := tensor.ToDense(base)
	if err != nil {
		return nil, err
	}
	m, err := tensor.FromFloat32s([]int{base.Shape[1]}, toFloat32(columnNorms(w)))
	if err != nil {
		return nil, err
	}
	return &dora{lora: l, magnitude: m}, nil
}

func (d *dora) Parameters() []*tensor.Tensor {
	return append(d.lora.Parameters(), d.magnitude)
}

func (d *dora) StateDict() models.StateDict {
	sd := d.lora.StateDict()
	sd["dense.lora_magnitude_vector"] = d.magnitude
	return sd
}

func (d *dora) LoadStateDict(sd models.StateDict) error {
	return models.LoadStateDictInto(d.StateDict(), sd)
}

// direction returns V and its column norms.
func (d *dora) direction(base *tensor.Tensor) (*mat.Dense, []float64, error) {
	w, err := d.baseWeight(base)
	if err != nil {
		return nil, nil, err
	}
	delta, err := lowRank(d.a, d.b)
	if err != nil {
		return nil, nil, err
	}
	var v mat.Dense
	v.Scale(d.config.Scale(), delta)
	v.Add(w, &v)
	norms := columnNorms(&v)
	for j, n := range norms {
		if n == 0 {
			norms[j] = 1
		}
	}
	return &v, norms, nil
}

func (d *dora) EffectiveWeight(base *tensor.Tensor) (*tensor.Tensor, error) {
	v, norms, err := d.direction(base)
	if err != nil {
		return nil, err
	}
	m, err := tensor.Float64s(d.magnitude)
	if err != nil {
		return nil, err
	}
	r, c := v.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m[j]*v.At(i, j)/norms[j])
		}
	}
	return tensor.FromDense(out)
}

func (d *dora) Backward(base *tensor.Tensor, grad *mat.Dense) error {
	v, norms, err := d.direction(base)
	if err != nil {
		return err
	}
	m, err := tensor.Float64s(d.magnitude)
	if err != nil {
		return err
	}
	// with n = ‖V[:, j]‖ and c = Σ_i G[i, j]·V[i, j]:
	// dm[j] = c/n and dV[i, j] = m[j]/n·(G[i, j] - V[i, j]·c/n²).
	r, c := grad.Dims()
	dv := mat.NewDense(r, c, nil)
	dm := make([]float32, c)
	for j := 0; j < c; j++ {
		dot := 0.0
		for i := 0; i < r; i++ {
			dot += grad.At(i, j) * v.At(i, j)
		}
		n := norms[j]
		dm[j] = float32(dot / n)
		for i := 0; i < r; i++ {
			dv.Set(i, j, m[j]/n*(grad.At(i, j)-v.At(i, j)*dot/(n*n)))
		}
	}
	if err := d.magnitude.AccumulateGrad(dm); err != nil {
		return err
	}
	a, err := tensor.ToDense(d.a)
	if err != nil {
		return err
	}
	b, err := tensor.ToDense(d.b)
	if err != nil {
		return err
	}
	return accumulateLowRank(d.a, d.b, a, b, dv, d.config.Scale())
}

func columnNorms(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += m.At(i, j) * m.At(i, j)
		}
		out[j] = math.Sqrt(sum)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
