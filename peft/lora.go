package peft

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// lora computes W_eff = W + s·A·B with A [in, r] and B [r, out]. B starts at
// zero so a fresh adapter leaves the backbone unchanged. With quant set the
// frozen base is replaced by its 8-bit per column quantisation (qlora).
type lora struct {
	config Config
	a, b   *tensor.Tensor
	quant  *quantized
}

func newLoRA(cfg Config, base *tensor.Tensor, rng *rand.Rand) (*lora, error) {
	in, out := base.Shape[0], base.Shape[1]
	a, err := tensor.RandUniform([]int{in, cfg.Rank}, 1/math.Sqrt(float64(in)), rng)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Zeros([]int{cfg.Rank, out}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	l := &lora{config: cfg, a: a, b: b}
	if cfg.Kind == QLoRA {
		if l.quant, err = quantize(base); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *lora) Kind() string   { return string(l.config.Kind) }
func (l *lora) Config() Config { return l.config }

func (l *lora) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.a, l.b}
}

func (l *lora) StateDict() models.StateDict {
	return models.StateDict{
		"dense.lora_A.weight": l.a,
		"dense.lora_B.weight": l.b,
	}
}

func (l *lora) LoadStateDict(sd models.StateDict) error {
	return models.LoadStateDictInto(l.StateDict(), sd)
}

func (l *lora) baseWeight(base *tensor.Tensor) (*mat.Dense, error) {
	if l.quant != nil {
		return l.quant.dequantize(), nil
	}
	return tensor.ToDense(base)
}

func (l *lora) EffectiveWeight(base *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := l.baseWeight(base)
	if err != nil {
		return nil, err
	}
	delta, err := lowRank(l.a, l.b)
	if err != nil {
		return nil, err
	}
	var weff mat.Dense
	weff.Scale(l.config.Scale(), delta)
	weff.Add(w, &weff)
	return tensor.FromDense(&weff)
}

func (l *lora) Backward(base *tensor.Tensor, grad *mat.Dense) error {
	a, err := tensor.ToDense(l.a)
	if err != nil {
		return err
	}
	b, err := tensor.ToDense(l.b)
	if err != nil {
		return err
	}
	return accumulateLowRank(l.a, l.b, a, b, grad, l.config.Scale())
}

// accumulateLowRank adds dA = s·G·Bᵀ and dB = s·Aᵀ·G.
func accumulateLowRank(at, bt *tensor.Tensor, a, b, grad *mat.Dense, scale float64) error {
	var da, db mat.Dense
	da.Mul(grad, b.T())
	da.Scale(scale, &da)
	db.Mul(a.T(), grad)
	db.Scale(scale, &db)
	if err := at.AccumulateGrad(flatten(&da)); err != nil {
		return err
	}
	return bt.AccumulateGrad(flatten(&db))
}

func lowRank(at, bt *tensor.Tensor) (*mat.Dense, error) {
	a, err := tensor.ToDense(at)
	if err != nil {
		return nil, err
	}
	b, err := tensor.ToDense(bt)
	if err != nil {
		return nil, err
	}
	var ab mat.Dense
	ab.Mul(a, b)
	return &ab, nil
}

// quantized is a symmetric int8 quantisation with one scale per column.
type quantized struct {
	rows, cols int
	values     []int8
	scales     []float64
}

func quantize(w *tensor.Tensor) (*quantized, error) {
	data, err := w.Float32s()
	if err != nil {
		return nil, err
	}
	rows, cols := w.Shape[0], w.Shape[1]
	q := &quantized{rows: rows, cols: cols, values: make([]int8, len(data)), scales: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		maxAbs := 0.0
		for i := 0; i < rows; i++ {
			maxAbs = math.Max(maxAbs, math.Abs(float64(data[i*cols+j])))
		}
		if maxAbs == 0 {
			continue
		}
		q.scales[j] = maxAbs / 127
		for i := 0; i < rows; i++ {
			q.values[i*cols+j] = int8(math.Round(float64(data[i*cols+j]) / q.scales[j]))
		}
	}
	return q, nil
}

func (q *quantized) dequantize() *mat.Dense {
	out := mat.NewDense(q.rows, q.cols, nil)
	for i := 0; i < q.rows; i++ {
		for j := 0; j < q.cols; j++ {
			out.Set(i, j, float64(q.values[i*q.cols+j])*q.scales[j])
		}
	}
	return out
}

func flatten(m *mat.Dense) []float32 {
	r, c := m.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out
}
