package models

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// HeadConfig describes an adapter head.
type HeadConfig struct {
	Hidden    int
	NumLabels int
	// Residue heads classify every position instead of the pooled sequence.
	Residue bool
	Seed    int64
}

// Head is the trainable adapter head. Pooled heads average the hidden states
// over unmasked positions and project to [B, C]; residue heads project every
// position to [B, T, C].
type Head struct {
	config     HeadConfig
	classifier *Linear
	training   bool

	mask   []float64
	counts []float64
	batch  int
	seqLen int
}

func NewHead(cfg HeadConfig) (*Head, error) {
	if cfg.Hidden <= 0 || cfg.NumLabels <= 0 {
		return nil, fmt.Errorf("head needs positive hidden size and label count, got %d and %d: %w", cfg.Hidden, cfg.NumLabels, errdefs.ErrConfiguration)
	}
	classifier, err := NewLinear(cfg.Hidden, cfg.NumLabels, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	return &Head{config: cfg, classifier: classifier, training: true}, nil
}

func (h *Head) Config() HeadConfig { return h.config }

func (h *Head) Parameters() []*tensor.Tensor {
	return h.classifier.parameters()
}

func (h *Head) StateDict() StateDict {
	return StateDict{
		"classifier.weight": h.classifier.weight,
		"classifier.bias":   h.classifier.bias,
	}
}

func (h *Head) LoadStateDict(sd StateDict) error {
	return loadInto(h.StateDict(), sd)
}

func (h *Head) Train()           { h.training = true }
func (h *Head) Eval()            { h.training = false }
func (h *Head) IsTraining() bool { return h.training }

// Forward maps hidden states [B, T, H] and an optional attention mask [B, T]
// to logits.
func (h *Head) Forward(hidden, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(hidden.Shape) != 3 || hidden.Shape[2] != h.config.Hidden {
		return nil, fmt.Errorf("head input shape %v, want [B, T, %d]: %w", hidden.Shape, h.config.Hidden, errdefs.ErrShapeMismatch)
	}
	batch, seqLen, width := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2]
	hv, err := tensor.Float64s(hidden)
	if err != nil {
		return nil, err
	}
	m := make([]float64, batch*seqLen)
	if mask == nil {
		for i := range m {
			m[i] = 1
		}
	} else {
		if !sameShape(mask.Shape, []int{batch, seqLen}) {
			return nil, fmt.Errorf("mask shape %v, want [%d %d]: %w", mask.Shape, batch, seqLen, errdefs.ErrShapeMismatch)
		}
		mv, err := maskValues(mask)
		if err != nil {
			return nil, err
		}
		m = mv
	}
	h.mask, h.batch, h.seqLen = m, batch, seqLen

	if h.config.Residue {
		x := mat.NewDense(batch*seqLen, width, hv)
		y, err := h.classifier.Forward(x)
		if err != nil {
			return nil, err
		}
		return tensor.NewTensor([]int{batch, seqLen, h.config.NumLabels}, tensor.Float32, hidden.Device, toFloat32(y.RawMatrix().Data))
	}

	pooled := mat.NewDense(batch, width, nil)
	h.counts = make([]float64, batch)
	for b := 0; b < batch; b++ {
		count := 0.0
		for t := 0; t < seqLen; t++ {
			w := m[b*seqLen+t]
			if w == 0 {
				continue
			}
			count += w
			row := hv[(b*seqLen+t)*width : (b*seqLen+t+1)*width]
			for j, v := range row {
				pooled.Set(b, j, pooled.At(b, j)+w*v)
			}
		}
		if count == 0 {
			count = 1
		}
		h.counts[b] = count
		for j := 0; j < width; j++ {
			pooled.Set(b, j, pooled.At(b, j)/count)
		}
	}
	y, err := h.classifier.Forward(pooled)
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor([]int{batch, h.config.NumLabels}, tensor.Float32, hidden.Device, toFloat32(y.RawMatrix().Data))
}

// Backward accumulates head gradients for grad = dLoss/dLogits and returns
// dLoss/dHidden of shape [B, T, H].
func (h *Head) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if h.mask == nil {
		return nil, fmt.Errorf("head backward called before forward")
	}
	c := h.config.NumLabels
	rows := h.batch
	if h.config.Residue {
		rows = h.batch * h.seqLen
	}
	if grad.NumElems != rows*c {
		return nil, fmt.Errorf("logit gradient shape %v does not match %d rows of %d: %w", grad.Shape, rows, c, errdefs.ErrShapeMismatch)
	}
	gv, err := tensor.Float64s(grad)
	if err != nil {
		return nil, err
	}
	dx, err := h.classifier.Backward(mat.NewDense(rows, c, gv))
	if err != nil {
		return nil, err
	}

	width := h.config.Hidden
	out := make([]float32, h.batch*h.seqLen*width)
	if h.config.Residue {
		copy(out, toFloat32(dx.RawMatrix().Data))
	} else {
		for b := 0; b < h.batch; b++ {
			for t := 0; t < h.seqLen; t++ {
				w := h.mask[b*h.seqLen+t] / h.counts[b]
				if w == 0 {
					continue
				}
				for j := 0; j < width; j++ {
					out[(b*h.seqLen+t)*width+j] = float32(w * dx.At(b, j))
				}
			}
		}
	}
	return tensor.NewTensor([]int{h.batch, h.seqLen, width}, tensor.Float32, grad.Device, out)
}

func maskValues(mask *tensor.Tensor) ([]float64, error) {
	switch mask.DType {
	case tensor.Int32:
		v, err := mask.Int32s()
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return tensor.Float64s(mask)
	}
}
