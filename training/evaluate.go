package training

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

// EvalOptions configures Evaluate.
type EvalOptions struct {
	Device      tensor.DeviceType
	Progress    io.Writer
	Description string
	// OnBatch, when set, sees every batch with its logits, in order.
	OnBatch func(batch data.Batch, logits *tensor.Tensor) error
}

// Evaluate runs a gradient-free pass of pair over src: loss weighted by
// batch size, and metrics reset before the pass and computed after it.
func Evaluate(ctx context.Context, pair *models.Pair, loss Loss, metrics *MetricSet, src BatchSource, opts EvalOptions) (Result, error) {
	pair.Eval()
	metrics.Reset()
	bar := NewProgressBar(opts.Progress, opts.Description, src.Len())
	defer bar.Finish()

	var totalLoss float64
	var totalSamples int
	for batch, err := range src.Batches(ctx) {
		if err != nil {
			return Result{}, err
		}
		batch, err = batch.To(opts.Device)
		if err != nil {
			return Result{}, err
		}
		labels, err := batch.Label()
		if err != nil {
			return Result{}, fmt.Errorf("%v: %w", err, errdefs.ErrConfiguration)
		}
		logits, err := pair.Forward(batch)
		if err != nil {
			return Result{}, err
		}
		lossT, err := loss.Forward(logits, labels)
		if err != nil {
			return Result{}, err
		}
		l, err := lossT.Item()
		if err != nil {
			return Result{}, err
		}
		size := batch.Size()
		totalLoss += l * float64(size)
		totalSamples += size

		if err := metrics.Update(logits, labels, batch.Mask()); err != nil {
			return Result{}, err
		}
		if opts.OnBatch != nil {
			if err := opts.OnBatch(batch, logits); err != nil {
				return Result{}, err
			}
		}
		bar.Update(map[string]float64{"eval_loss": l})
	}
	if totalSamples == 0 {
		return Result{}, fmt.Errorf("%s pass produced no samples: %w", strings.ToLower(opts.Description), errdefs.ErrConfiguration)
	}
	return Result{
		Loss:    totalLoss / float64(totalSamples),
		Metrics: metrics.Compute(),
		Names:   metrics.Names(),
	}, nil
}

// Predictions renders one prediction per sample of a batch: the argmax class
// for classification, the value(s) for regression, the indices of labels
// with probability of at least 0.5 for multi-label, and the per-position
// classes of unmasked positions (without the special tokens) for residue
// tasks.
func Predictions(problemType string, logits, mask *tensor.Tensor) ([]string, error) {
	x, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	b := logits.Shape[0]
	out := make([]string, b)
	switch {
	case problemType == Regression:
		n := logits.NumElems / b
		for i := 0; i < b; i++ {
			vals := make([]string, n)
			for j := 0; j < n; j++ {
				vals[j] = strconv.FormatFloat(float64(x[i*n+j]), 'g', 6, 32)
			}
			out[i] = strings.Join(vals, ",")
		}
	case problemType == MultiLabelClassification:
		n := logits.Shape[1]
		for i := 0; i < b; i++ {
			var on []string
			for j := 0; j < n; j++ {
				if sigmoid(float64(x[i*n+j])) >= 0.5 {
					on = append(on, strconv.Itoa(j))
				}
			}
			out[i] = strings.Join(on, ",")
		}
	case IsResidue(problemType):
		if len(logits.Shape) != 3 {
			return nil, fmt.Errorf("residue logits must be [B, T, C], got %v: %w", logits.Shape, errdefs.ErrShapeMismatch)
		}
		t, c := logits.Shape[1], logits.Shape[2]
		var m []int32
		if mask != nil {
			if m, err = mask.Int32s(); err != nil {
				return nil, err
			}
		}
		for i := 0; i < b; i++ {
			var sb strings.Builder
			// the first and last unmasked positions are cls and eos
			last := t - 1
			if m != nil {
				for last > 0 && m[i*t+last] == 0 {
					last--
				}
			}
			for pos := 1; pos < last; pos++ {
				sb.WriteString(strconv.Itoa(argmax(x[(i*t+pos)*c : (i*t+pos+1)*c])))
			}
			out[i] = sb.String()
		}
	default:
		c := logits.Shape[len(logits.Shape)-1]
		for i := 0; i < b; i++ {
			out[i] = strconv.Itoa(argmax(x[i*c : (i+1)*c]))
		}
	}
	return out, nil
}

func argmax(row []float32) int {
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}
