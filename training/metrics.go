package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// Metric names.
const (
	MetricAccuracy  = "accuracy"
	MetricRecall    = "recall"
	MetricPrecision = "precision"
	MetricF1        = "f1"
	MetricMCC       = "mcc"
	MetricAUROC     = "auroc"
	MetricF1Max     = "f1_max"
	MetricSpearman  = "spearman_corr"
)

var metricNames = []string{
	MetricAccuracy, MetricRecall, MetricPrecision, MetricF1,
	MetricMCC, MetricAUROC, MetricF1Max, MetricSpearman,
}

func knownMetric(name string) bool {
	return contains(metricNames, name)
}

// Metric is a stateful accumulator over one pass.
type Metric interface {
	Reset()
	Compute() float64
	update(b *scored) error
}

// scored is one batch in the forms the accumulators consume. Rows are
// samples, or positions for residue tasks.
type scored struct {
	// classes and predicted are the true and argmax classes.
	classes   []int
	predicted []int
	// probs holds one probability row per sample: sigmoid of the positive
	// logit for binary tasks, softmax for multi-class, per-label sigmoid
	// for multi-label.
	probs [][]float64
	// truth holds the multi-hot rows of multi-label tasks.
	truth [][]float64
	// values and targets feed rank correlation.
	values  []float64
	targets []float64
}

// MetricSet maps metric names to accumulators. Names keep their declared
// order.
type MetricSet struct {
	names       []string
	metrics     map[string]Metric
	numLabels   int
	problemType string
}

// NewMetricSet builds one accumulator per comma-separated name. Binary
// tasks (numLabels == 2) and multi-class tasks get distinct variants of the
// confusion and auroc metrics.
func NewMetricSet(names string, numLabels int, problemType string) (*MetricSet, error) {
	s := &MetricSet{metrics: map[string]Metric{}, numLabels: numLabels, problemType: problemType}
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := s.metrics[name]; dup {
			continue
		}
		m, err := newMetric(name, numLabels, problemType)
		if err != nil {
			return nil, err
		}
		s.names = append(s.names, name)
		s.metrics[name] = m
	}
	return s, nil
}

func newMetric(name string, numLabels int, problemType string) (Metric, error) {
	if !knownMetric(name) {
		return nil, fmt.Errorf("%q: %w", name, errdefs.ErrInvalidMetric)
	}
	switch name {
	case MetricSpearman:
		return &spearman{}, nil
	case MetricF1Max:
		if problemType == Regression {
			return nil, fmt.Errorf("%s needs class scores, problem type is %s: %w", name, problemType, errdefs.ErrConfiguration)
		}
		return &f1Max{}, nil
	}
	if problemType == Regression {
		return nil, fmt.Errorf("%s is a classification metric, problem type is %s: %w", name, problemType, errdefs.ErrConfiguration)
	}
	binary := numLabels == 2 || problemType == MultiLabelClassification
	if name == MetricAUROC {
		return &auroc{binary: binary}, nil
	}
	classes := numLabels
	if binary {
		classes = 2
	}
	return &confusion{name: name, binary: binary, cm: NewConfusionMatrix(classes)}, nil
}

// Names returns the metric names in declared order.
func (s *MetricSet) Names() []string { return s.names }

// Len is the number of metrics.
func (s *MetricSet) Len() int { return len(s.names) }

// Reset clears every accumulator.
func (s *MetricSet) Reset() {
	for _, m := range s.metrics {
		m.Reset()
	}
}

// Compute returns one value per metric.
func (s *MetricSet) Compute() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, name := range s.names {
		out[name] = s.metrics[name].Compute()
	}
	return out
}

// Update feeds one batch. mask is the attention mask; it is only read for
// residue tasks, where padded positions and ignored labels are skipped.
func (s *MetricSet) Update(logits, targets, mask *tensor.Tensor) error {
	if len(s.names) == 0 {
		return nil
	}
	var (
		b   *scored
		err error
	)
	switch {
	case s.problemType == Regression:
		b, err = regressionRows(logits, targets)
	case s.problemType == MultiLabelClassification:
		b, err = multiLabelRows(logits, targets)
	case IsResidue(s.problemType):
		b, err = residueRows(logits, targets, mask)
	default:
		b, err = classRows(logits, targets)
	}
	if err != nil {
		return err
	}
	for _, name := range s.names {
		if err := s.metrics[name].update(b); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func regressionRows(logits, targets *tensor.Tensor) (*scored, error) {
	p, err := tensor.Float64s(logits)
	if err != nil {
		return nil, err
	}
	t, err := floats(targets)
	if err != nil {
		return nil, err
	}
	if len(p) != len(t) {
		return nil, fmt.Errorf("%d predictions for %d targets: %w", len(p), len(t), errdefs.ErrShapeMismatch)
	}
	return &scored{values: p, targets: t}, nil
}

func multiLabelRows(logits, targets *tensor.Tensor) (*scored, error) {
	if len(logits.Shape) != 2 || !sameShape(logits.Shape, targets.Shape) {
		return nil, fmt.Errorf("multi-label logits %v and targets %v: %w", logits.Shape, targets.Shape, errdefs.ErrShapeMismatch)
	}
	x, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	y, err := floats(targets)
	if err != nil {
		return nil, err
	}
	n, l := logits.Shape[0], logits.Shape[1]
	b := &scored{}
	for i := 0; i < n; i++ {
		probs := make([]float64, l)
		truth := make([]float64, l)
		for j := 0; j < l; j++ {
			p := sigmoid(float64(x[i*l+j]))
			probs[j] = p
			truth[j] = y[i*l+j]
			pred := 0
			if p >= 0.5 {
				pred = 1
			}
			b.classes = append(b.classes, int(y[i*l+j]))
			b.predicted = append(b.predicted, pred)
			b.values = append(b.values, p)
			b.targets = append(b.targets, y[i*l+j])
		}
		b.probs = append(b.probs, probs)
		b.truth = append(b.truth, truth)
	}
	return b, nil
}

func classRows(logits, targets *tensor.Tensor) (*scored, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("class logits must be [B, C], got %v: %w", logits.Shape, errdefs.ErrShapeMismatch)
	}
	y, err := targets.Int32s()
	if err != nil {
		return nil, err
	}
	x, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	if len(y) != logits.Shape[0] {
		return nil, fmt.Errorf("%d rows of logits for %d targets: %w", logits.Shape[0], len(y), errdefs.ErrShapeMismatch)
	}
	rows := make([]int, len(y))
	for i := range rows {
		rows[i] = i
	}
	return scoreRows(x, logits.Shape[1], y, rows), nil
}

func residueRows(logits, targets, mask *tensor.Tensor) (*scored, error) {
	if len(logits.Shape) != 3 {
		return nil, fmt.Errorf("residue logits must be [B, T, C], got %v: %w", logits.Shape, errdefs.ErrShapeMismatch)
	}
	bsz, seqLen, c := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	if len(targets.Shape) == 1 {
		expanded, err := tensor.BroadcastRows(targets, seqLen)
		if err != nil {
			return nil, err
		}
		targets = expanded
	}
	y, err := targets.Int32s()
	if err != nil {
		return nil, err
	}
	if len(y) != bsz*seqLen {
		return nil, fmt.Errorf("residue targets %v for logits %v: %w", targets.Shape, logits.Shape, errdefs.ErrShapeMismatch)
	}
	var m []int32
	if mask != nil {
		if m, err = mask.Int32s(); err != nil {
			return nil, err
		}
		if len(m) != len(y) {
			return nil, fmt.Errorf("attention mask %v for logits %v: %w", mask.Shape, logits.Shape, errdefs.ErrShapeMismatch)
		}
	}
	x, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	var rows []int
	for i, label := range y {
		if label == data.IgnoreLabel || (m != nil && m[i] == 0) {
			continue
		}
		rows = append(rows, i)
	}
	return scoreRows(x, c, y, rows), nil
}

// scoreRows turns the selected rows of [N, C] logits into classes and
// probabilities.
func scoreRows(x []float32, c int, y []int32, rows []int) *scored {
	b := &scored{}
	for _, i := range rows {
		row := x[i*c : (i+1)*c]
		pred := 0
		for j := 1; j < c; j++ {
			if row[j] > row[pred] {
				pred = j
			}
		}
		var probs []float64
		if c == 2 {
			probs = []float64{sigmoid(float64(row[1]))}
		} else {
			probs = softmax(row)
		}
		truth := make([]float64, c)
		if int(y[i]) >= 0 && int(y[i]) < c {
			truth[y[i]] = 1
		}
		b.classes = append(b.classes, int(y[i]))
		b.predicted = append(b.predicted, pred)
		b.probs = append(b.probs, probs)
		b.truth = append(b.truth, truth)
		b.values = append(b.values, float64(pred))
		b.targets = append(b.targets, float64(y[i]))
	}
	return b
}

// floats widens targets of either dtype.
func floats(t *tensor.Tensor) ([]float64, error) {
	f, err := t.AsFloat32()
	if err != nil {
		return nil, err
	}
	return tensor.Float64s(f)
}

func softmax(row []float32) []float64 {
	maxVal := float64(row[0])
	for _, v := range row[1:] {
		maxVal = math.Max(maxVal, float64(v))
	}
	out := make([]float64, len(row))
	var sum float64
	for j, v := range row {
		out[j] = math.Exp(float64(v) - maxVal)
		sum += out[j]
	}
	for j := range out {
		out[j] /= sum
	}
	return out
}

// confusion covers accuracy, recall, precision, f1 and mcc.
type confusion struct {
	name   string
	binary bool
	cm     *ConfusionMatrix
}

func (m *confusion) Reset() { m.cm.Reset() }

func (m *confusion) update(b *scored) error {
	for i := range b.classes {
		m.cm.Add(b.classes[i], b.predicted[i])
	}
	return nil
}

func (m *confusion) Compute() float64 {
	switch m.name {
	case MetricAccuracy:
		return m.cm.Accuracy()
	case MetricRecall:
		if m.binary {
			return m.cm.BinaryRecall()
		}
		return m.cm.MicroRecall()
	case MetricPrecision:
		if m.binary {
			return m.cm.BinaryPrecision()
		}
		return m.cm.MicroPrecision()
	case MetricF1:
		if m.binary {
			return m.cm.BinaryF1()
		}
		return m.cm.MicroF1()
	case MetricMCC:
		if m.binary {
			return m.cm.BinaryMCC()
		}
		return m.cm.MCC()
	}
	return 0
}

// auroc is the area under the ROC curve: of the positive-class score for
// binary tasks, one-vs-rest averaged over classes otherwise.
type auroc struct {
	binary bool
	probs  [][]float64
	labels []int
	truth  [][]float64
}

func (m *auroc) Reset() { m.probs, m.labels, m.truth = nil, nil, nil }

func (m *auroc) update(b *scored) error {
	if m.binary && b.truth != nil && len(b.probs) > 0 && len(b.probs[0]) > 1 {
		// multi-label: every (sample, label) pair is a binary decision
		for i := range b.probs {
			for j, p := range b.probs[i] {
				m.probs = append(m.probs, []float64{p})
				m.labels = append(m.labels, int(b.truth[i][j]))
			}
		}
		return nil
	}
	m.probs = append(m.probs, b.probs...)
	m.labels = append(m.labels, b.classes...)
	return nil
}

func (m *auroc) Compute() float64 {
	if len(m.labels) == 0 {
		return 0
	}
	if m.binary {
		scores := make([]float64, len(m.probs))
		for i, p := range m.probs {
			scores[i] = p[0]
		}
		return binaryAUC(scores, m.labels, 1)
	}
	numClasses := len(m.probs[0])
	var sum float64
	counted := 0
	for k := 0; k < numClasses; k++ {
		scores := make([]float64, len(m.probs))
		for i, p := range m.probs {
			scores[i] = p[k]
		}
		if auc, ok := oneVsRest(scores, m.labels, k); ok {
			sum += auc
			counted++
		}
	}
	return ratio(sum, float64(counted))
}

func binaryAUC(scores []float64, labels []int, positive int) float64 {
	auc, _ := oneVsRest(scores, labels, positive)
	return auc
}

// oneVsRest computes the AUC of scores for class positive against every
// other class. It reports false when either side is empty.
func oneVsRest(scores []float64, labels []int, positive int) (float64, bool) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })
	y := make([]float64, len(idx))
	classes := make([]bool, len(idx))
	pos, neg := 0, 0
	for i, j := range idx {
		y[i] = scores[j]
		classes[i] = labels[j] == positive
		if classes[i] {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), true
}

// f1Max is the protein-centric maximum F1 over decision thresholds:
// precision averaged over samples with at least one prediction above the
// threshold, recall averaged over all samples.
type f1Max struct {
	probs [][]float64
	truth [][]float64
}

func (m *f1Max) Reset() { m.probs, m.truth = nil, nil }

func (m *f1Max) update(b *scored) error {
	for i := range b.probs {
		probs := b.probs[i]
		if len(probs) == 1 {
			// binary: expand the positive score to both classes
			probs = []float64{1 - probs[0], probs[0]}
		}
		if len(probs) != len(b.truth[i]) {
			return fmt.Errorf("%d scores for %d labels: %w", len(probs), len(b.truth[i]), errdefs.ErrShapeMismatch)
		}
		m.probs = append(m.probs, probs)
		m.truth = append(m.truth, b.truth[i])
	}
	return nil
}

func (m *f1Max) Compute() float64 {
	n := len(m.probs)
	if n == 0 {
		return 0
	}
	type entry struct {
		score  float64
		sample int
		hit    float64
	}
	var all []entry
	positives := make([]float64, n)
	for i := range m.probs {
		for j, p := range m.probs[i] {
			all = append(all, entry{p, i, m.truth[i][j]})
			positives[i] += m.truth[i][j]
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].score > all[b].score })

	predicted := make([]float64, n)
	hits := make([]float64, n)
	var precSum, recSum float64
	started := 0
	best := 0.0
	for _, e := range all {
		i := e.sample
		if predicted[i] > 0 {
			precSum -= hits[i] / predicted[i]
		} else {
			started++
		}
		recSum -= hits[i] / (positives[i] + 1e-10)
		predicted[i]++
		hits[i] += e.hit
		precSum += hits[i] / predicted[i]
		recSum += hits[i] / (positives[i] + 1e-10)

		p := precSum / float64(started)
		r := recSum / float64(n)
		if f := 2 * p * r / (p + r + 1e-10); f > best {
			best = f
		}
	}
	return best
}

// spearman is the rank correlation of predictions and targets.
type spearman struct {
	values  []float64
	targets []float64
}

func (m *spearman) Reset() { m.values, m.targets = nil, nil }

func (m *spearman) update(b *scored) error {
	m.values = append(m.values, b.values...)
	m.targets = append(m.targets, b.targets...)
	return nil
}

func (m *spearman) Compute() float64 {
	if len(m.values) < 2 {
		return 0
	}
	c := stat.Correlation(ranks(m.values), ranks(m.targets), nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// ranks assigns 1-based ranks, averaging ties.
func ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })
	out := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		r := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = r
		}
		i = j + 1
	}
	return out
}
