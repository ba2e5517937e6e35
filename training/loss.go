package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a one-element tensor holding the mean loss; Backward
// returns dLoss/dPredicted with the shape of predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// NewLossPolicy selects the loss for a problem type.
func NewLossPolicy(problemType string, numLabels int) (Loss, error) {
	switch {
	case problemType == Regression:
		return &MSELoss{Squeeze: numLabels == 1}, nil
	case problemType == MultiLabelClassification:
		return &BCEWithLogitsLoss{}, nil
	case IsResidue(problemType):
		return &ResidueCrossEntropyLoss{IgnoreIndex: data.IgnoreLabel}, nil
	case problemType == Classification:
		return &CrossEntropyLoss{}, nil
	default:
		return nil, fmt.Errorf("no loss for problem type %q: %w", problemType, errdefs.ErrConfiguration)
	}
}

// noIgnore is a target value no class index can take.
const noIgnore int32 = math.MinInt32

func scalar(v float64, device tensor.DeviceType) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{1}, tensor.Float32, device, []float32{float32(v)})
}

// MSELoss implements Mean Squared Error loss function. With Squeeze set,
// singleton dimensions are ignored when pairing predictions and targets, so
// [B, 1] predictions match [B] targets.
type MSELoss struct {
	Squeeze bool
}

func (mse *MSELoss) pair(predicted, target *tensor.Tensor) ([]float32, []float32, error) {
	p, err := predicted.Float32s()
	if err != nil {
		return nil, nil, fmt.Errorf("mse predictions: %v", err)
	}
	tf, err := target.AsFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("mse targets: %v", err)
	}
	t, _ := tf.Float32s()
	ps, ts := predicted.Shape, target.Shape
	if mse.Squeeze {
		ps, ts = squeezed(ps), squeezed(ts)
	}
	if !sameShape(ps, ts) {
		return nil, nil, fmt.Errorf("mse: predictions %v and targets %v: %w", predicted.Shape, target.Shape, errdefs.ErrShapeMismatch)
	}
	return p, t, nil
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, t, err := mse.pair(predicted, target)
	if err != nil {
		return nil, err
	}
	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(t[i])
		sum += d * d
	}
	return scalar(sum/float64(len(p)), predicted.Device)
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, t, err := mse.pair(predicted, target)
	if err != nil {
		return nil, err
	}
	n := float64(len(p))
	grad := make([]float32, len(p))
	for i := range p {
		grad[i] = float32(2 * (float64(p[i]) - float64(t[i])) / n)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// BCEWithLogitsLoss is the mean binary cross entropy of independent
// per-label logits. Targets are cast to float.
type BCEWithLogitsLoss struct{}

func (b *BCEWithLogitsLoss) pair(predicted, target *tensor.Tensor) ([]float32, []float32, error) {
	p, err := predicted.Float32s()
	if err != nil {
		return nil, nil, fmt.Errorf("bce predictions: %v", err)
	}
	if !sameShape(predicted.Shape, target.Shape) {
		return nil, nil, fmt.Errorf("bce: predictions %v and targets %v: %w", predicted.Shape, target.Shape, errdefs.ErrShapeMismatch)
	}
	tf, err := target.AsFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("bce targets: %v", err)
	}
	t, _ := tf.Float32s()
	return p, t, nil
}

// Forward computes max(x,0) - x*y + log(1 + exp(-|x|)) averaged over all
// elements.
func (b *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, t, err := b.pair(predicted, target)
	if err != nil {
		return nil, err
	}
	var sum float64
	for i := range p {
		x, y := float64(p[i]), float64(t[i])
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return scalar(sum/float64(len(p)), predicted.Device)
}

// Backward computes (sigmoid(x) - y) / N.
func (b *BCEWithLogitsLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, t, err := b.pair(predicted, target)
	if err != nil {
		return nil, err
	}
	n := float64(len(p))
	grad := make([]float32, len(p))
	for i := range p {
		grad[i] = float32((sigmoid(float64(p[i])) - float64(t[i])) / n)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// CrossEntropyLoss implements Cross Entropy loss function for classification
// predicted: [batch_size, num_classes] logits
// target: [batch_size] class indices
type CrossEntropyLoss struct{}

func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v: %w", predicted.Shape, errdefs.ErrShapeMismatch)
	}
	loss, _, err := crossEntropy(predicted, target, noIgnore, false)
	if err != nil {
		return nil, err
	}
	return scalar(loss, predicted.Device)
}

func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v: %w", predicted.Shape, errdefs.ErrShapeMismatch)
	}
	_, grad, err := crossEntropy(predicted, target, noIgnore, true)
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// ResidueCrossEntropyLoss is cross entropy over every position of
// [B, T, C] logits against [B, T] targets. Positions whose target equals
// IgnoreIndex do not contribute. Rank-1 targets carry one label per sequence
// and are repeated along T. When every position is ignored the loss and its
// gradient are zero.
type ResidueCrossEntropyLoss struct {
	IgnoreIndex int32
}

func (r *ResidueCrossEntropyLoss) flatten(predicted, target *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(predicted.Shape) != 3 {
		return nil, nil, fmt.Errorf("residue logits must be [B, T, C], got %v: %w", predicted.Shape, errdefs.ErrShapeMismatch)
	}
	b, t, c := predicted.Shape[0], predicted.Shape[1], predicted.Shape[2]
	if len(target.Shape) == 1 {
		expanded, err := tensor.BroadcastRows(target, t)
		if err != nil {
			return nil, nil, err
		}
		target = expanded
	}
	flatLogits, err := predicted.Reshape([]int{b * t, c})
	if err != nil {
		return nil, nil, err
	}
	flatTargets, err := target.Reshape([]int{target.NumElems})
	if err != nil {
		return nil, nil, err
	}
	if flatLogits.Shape[0] != flatTargets.Shape[0] {
		return nil, nil, fmt.Errorf("logits and labels batch size mismatch: %d vs %d: %w", flatLogits.Shape[0], flatTargets.Shape[0], errdefs.ErrShapeMismatch)
	}
	return flatLogits, flatTargets, nil
}

func (r *ResidueCrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	logits, targets, err := r.flatten(predicted, target)
	if err != nil {
		return nil, err
	}
	loss, _, err := crossEntropy(logits, targets, r.IgnoreIndex, false)
	if err != nil {
		return nil, err
	}
	return scalar(loss, predicted.Device)
}

func (r *ResidueCrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	logits, targets, err := r.flatten(predicted, target)
	if err != nil {
		return nil, err
	}
	_, grad, err := crossEntropy(logits, targets, r.IgnoreIndex, true)
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// crossEntropy returns the mean negative log likelihood of [N, C] logits
// over the rows whose target is not ignore, and the gradient when asked.
func crossEntropy(logits, target *tensor.Tensor, ignore int32, withGrad bool) (float64, []float32, error) {
	x, err := logits.Float32s()
	if err != nil {
		return 0, nil, fmt.Errorf("cross entropy logits: %v", err)
	}
	y, err := target.Int32s()
	if err != nil {
		return 0, nil, fmt.Errorf("cross entropy targets: %v", err)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(y) != n {
		return 0, nil, fmt.Errorf("batch size mismatch: predicted %d, target %d: %w", n, len(y), errdefs.ErrShapeMismatch)
	}

	var grad []float32
	if withGrad {
		grad = make([]float32, len(x))
	}
	probs := make([]float64, c)
	var total float64
	counted := 0
	for i := 0; i < n; i++ {
		if y[i] == ignore {
			continue
		}
		if y[i] < 0 || int(y[i]) >= c {
			return 0, nil, fmt.Errorf("target class %d out of range [0, %d): %w", y[i], c, errdefs.ErrShapeMismatch)
		}
		row := x[i*c : (i+1)*c]
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for j, v := range row {
			probs[j] = math.Exp(float64(v) - maxVal)
			sum += probs[j]
		}
		total += math.Log(sum) + maxVal - float64(row[y[i]])
		counted++
		if withGrad {
			for j := range row {
				grad[i*c+j] = float32(probs[j] / sum)
			}
			grad[i*c+int(y[i])] -= 1
		}
	}
	if counted == 0 {
		return 0, grad, nil
	}
	if withGrad {
		scale := float32(1 / float64(counted))
		for i := range grad {
			grad[i] *= scale
		}
	}
	return total / float64(counted), grad, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func squeezed(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
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
