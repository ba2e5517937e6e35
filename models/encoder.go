package models

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// EncoderConfig describes a backbone. Two encoders built from equal configs
// have identical weights.
type EncoderConfig struct {
	Name      string `json:"name"`
	VocabSize int    `json:"vocab_size"`
	Hidden    int    `json:"hidden_size"`
	Seed      int64  `json:"seed"`
}

// Encoder is the backbone: token embeddings (amino acid plus optional
// foldseek and ss8 ids from the same table) followed by a dense projection
// and tanh, producing hidden states of shape [B, T, H].
type Encoder struct {
	config     EncoderConfig
	embeddings *tensor.Tensor
	dense      *Linear
	training   bool

	// forward cache
	ids    [][]int32
	hidden []float64
	batch  int
	seqLen int
}

// NewEncoder initialises an encoder deterministically from cfg.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.VocabSize <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("encoder needs positive vocab and hidden sizes, got %d and %d: %w", cfg.VocabSize, cfg.Hidden, errdefs.ErrConfiguration)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	emb, err := tensor.RandUniform([]int{cfg.VocabSize, cfg.Hidden}, 1.0/math.Sqrt(float64(cfg.Hidden)), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %v", err)
	}
	emb.SetRequiresGrad(true)
	dense, err := NewLinear(cfg.Hidden, cfg.Hidden, rng)
	if err != nil {
		return nil, err
	}
	return &Encoder{config: cfg, embeddings: emb, dense: dense, training: true}, nil
}

func (e *Encoder) Config() EncoderConfig { return e.config }
func (e *Encoder) HiddenSize() int       { return e.config.Hidden }

// Dense is the projection layer adapters attach to.
func (e *Encoder) Dense() *Linear { return e.dense }

func (e *Encoder) Parameters() []*tensor.Tensor {
	return append([]*tensor.Tensor{e.embeddings}, e.dense.parameters()...)
}

// StateDict returns the base weights. Adapter weights are not included; they
// are saved through the adapter.
func (e *Encoder) StateDict() StateDict {
	return StateDict{
		"embeddings.weight": e.embeddings,
		"dense.weight":      e.dense.weight,
		"dense.bias":        e.dense.bias,
	}
}

func (e *Encoder) LoadStateDict(sd StateDict) error {
	return loadInto(e.StateDict(), sd)
}

func (e *Encoder) Train()           { e.training = true }
func (e *Encoder) Eval()            { e.training = false }
func (e *Encoder) IsTraining() bool { return e.training }

// Forward encodes the id tensors of b into hidden states [B, T, H].
func (e *Encoder) Forward(b data.Batch) (*tensor.Tensor, error) {
	ids, ok := b[data.KeyInputIDs]
	if !ok {
		return nil, fmt.Errorf("batch has no %q tensor", data.KeyInputIDs)
	}
	if len(ids.Shape) != 2 {
		return nil, fmt.Errorf("input ids must be [B, T], got %v: %w", ids.Shape, errdefs.ErrShapeMismatch)
	}
	batch, seqLen := ids.Shape[0], ids.Shape[1]

	sources := [][]int32{}
	for _, key := range []string{data.KeyInputIDs, data.KeyFoldseekIDs, data.KeySS8IDs} {
		t, ok := b[key]
		if !ok {
			continue
		}
		if !sameShape(t.Shape, ids.Shape) {
			return nil, fmt.Errorf("%q has shape %v, want %v: %w", key, t.Shape, ids.Shape, errdefs.ErrShapeMismatch)
		}
		v, err := t.Int32s()
		if err != nil {
			return nil, err
		}
		sources = append(sources, v)
	}

	h := e.config.Hidden
	table, err := e.embeddings.Float32s()
	if err != nil {
		return nil, err
	}
	x := mat.NewDense(batch*seqLen, h, nil)
	for _, src := range sources {
		for r, id := range src {
			if id < 0 || int(id) >= e.config.VocabSize {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, e.config.VocabSize)
			}
			row := table[int(id)*h : (int(id)+1)*h]
			for j, v := range row {
				x.Set(r, j, x.At(r, j)+float64(v))
			}
		}
	}

	pre, err := e.dense.Forward(x)
	if err != nil {
		return nil, err
	}
	raw := pre.RawMatrix().Data
	hidden := make([]float64, len(raw))
	out := make([]float32, len(raw))
	for i, v := range raw {
		hidden[i] = math.Tanh(v)
		out[i] = float32(hidden[i])
	}
	e.ids, e.hidden, e.batch, e.seqLen = sources, hidden, batch, seqLen
	return tensor.NewTensor([]int{batch, seqLen, h}, tensor.Float32, ids.Device, out)
}

// Backward accumulates gradients for grad = dLoss/dHidden of shape [B, T, H].
func (e *Encoder) Backward(grad *tensor.Tensor) error {
	if e.hidden == nil {
		return fmt.Errorf("encoder backward called before forward")
	}
	h := e.config.Hidden
	want := []int{e.batch, e.seqLen, h}
	if !sameShape(grad.Shape, want) {
		return fmt.Errorf("hidden gradient shape %v, want %v: %w", grad.Shape, want, errdefs.ErrShapeMismatch)
	}
	g, err := grad.Float32s()
	if err != nil {
		return err
	}
	dpre := mat.NewDense(e.batch*e.seqLen, h, nil)
	raw := dpre.RawMatrix().Data
	for i, v := range g {
		raw[i] = float64(v) * (1 - e.hidden[i]*e.hidden[i])
	}
	dx, err := e.dense.Backward(dpre)
	if err != nil {
		return err
	}
	if !e.embeddings.RequiresGrad() {
		return nil
	}
	demb := make([]float32, e.embeddings.NumElems)
	for _, src := range e.ids {
		for r, id := range src {
			base := int(id) * h
			for j := 0; j < h; j++ {
				demb[base+j] += float32(dx.At(r, j))
			}
		}
	}
	return e.embeddings.AccumulateGrad(demb)
}
