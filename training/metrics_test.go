package training

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tsawler/go-plm/errdefs"
)

func TestNewMetricSetErrors(t *testing.T) {
	if _, err := NewMetricSet("accuracy,bogus", 2, Classification); !errors.Is(err, errdefs.ErrInvalidMetric) {
		t.Errorf("Expected invalid metric, got %v", err)
	}
	if _, err := NewMetricSet("accuracy", 1, Regression); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for accuracy on regression, got %v", err)
	}
	if _, err := NewMetricSet("f1_max", 1, Regression); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for f1_max on regression, got %v", err)
	}
	set, err := NewMetricSet(" accuracy , f1,accuracy,", 2, Classification)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"accuracy", "f1"}, set.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestBinaryMetrics(t *testing.T) {
	set, err := NewMetricSet("accuracy,precision,recall,f1,mcc,auroc", 2, Classification)
	if err != nil {
		t.Fatal(err)
	}
	// predictions 1,0,1,0 against labels 1,0,0,1
	logits := mustTensor(t, []int{4, 2}, []float32{0, 2, 0, -2, 0, 1, 0, -1})
	labels := mustTensor(t, []int{4}, []int32{1, 0, 0, 1})
	if err := set.Update(logits, labels, nil); err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{
		"accuracy": 0.5, "precision": 0.5, "recall": 0.5, "f1": 0.5, "mcc": 0, "auroc": 0.75,
	}
	if diff := cmp.Diff(want, set.Compute(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Binary metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestPerfectAUROC(t *testing.T) {
	set, _ := NewMetricSet("auroc", 2, Classification)
	logits := mustTensor(t, []int{4, 2}, []float32{0, 3, 0, -1, 0, -2, 0, 0.5})
	labels := mustTensor(t, []int{4}, []int32{1, 0, 0, 1})
	if err := set.Update(logits, labels, nil); err != nil {
		t.Fatal(err)
	}
	if got := set.Compute()["auroc"]; math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected auroc 1, got %v", got)
	}
}

func TestMultiClassMetrics(t *testing.T) {
	set, err := NewMetricSet("accuracy,precision,recall,f1,mcc,auroc", 3, Classification)
	if err != nil {
		t.Fatal(err)
	}
	// predictions 0,1,2,2 against labels 0,1,2,1
	logits := mustTensor(t, []int{4, 3}, []float32{
		3, 0, 0,
		0, 3, 0,
		0, 0, 3,
		0, 1, 2,
	})
	labels := mustTensor(t, []int{4}, []int32{0, 1, 2, 1})
	if err := set.Update(logits, labels, nil); err != nil {
		t.Fatal(err)
	}
	got := set.Compute()
	want := map[string]float64{"accuracy": 0.75, "precision": 0.75, "recall": 0.75, "f1": 0.75, "mcc": 0.7}
	for k, v := range want {
		if math.Abs(got[k]-v) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", k, v, got[k])
		}
	}
	if a := got["auroc"]; a <= 0.5 || a > 1 {
		t.Errorf("auroc out of range: %v", a)
	}
}

func TestMetricResetIsDeterministic(t *testing.T) {
	set, _ := NewMetricSet("accuracy,f1,mcc,auroc,f1_max,spearman_corr", 3, Classification)
	logits := mustTensor(t, []int{3, 3}, []float32{0.2, 0.1, 0.7, 1, 0, 0, 0.3, 0.4, 0.3})
	labels := mustTensor(t, []int{3}, []int32{2, 1, 1})
	run := func() map[string]float64 {
		set.Reset()
		for i := 0; i < 2; i++ {
			if err := set.Update(logits, labels, nil); err != nil {
				t.Fatal(err)
			}
		}
		return set.Compute()
	}
	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Second pass differs (-first +second):\n%s", diff)
	}
}

func TestSpearmanWithTies(t *testing.T) {
	set, _ := NewMetricSet("spearman_corr", 1, Regression)
	pred := mustTensor(t, []int{4, 1}, []float32{1, 2, 3, 4})
	target := mustTensor(t, []int{4}, []float32{1, 2, 2, 3})
	if err := set.Update(pred, target, nil); err != nil {
		t.Fatal(err)
	}
	want := 4.5 / math.Sqrt(22.5)
	if got := set.Compute()[MetricSpearman]; math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestRanks(t *testing.T) {
	got := ranks([]float64{10, 30, 20, 30, 5})
	want := []float64{2, 4.5, 3, 4.5, 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranks mismatch (-want +got):\n%s", diff)
	}
}

func TestF1MaxMultiLabel(t *testing.T) {
	set, err := NewMetricSet("f1_max,accuracy", 3, MultiLabelClassification)
	if err != nil {
		t.Fatal(err)
	}
	logits := mustTensor(t, []int{2, 3}, []float32{5, -5, 5, -5, 5, -5})
	labels := mustTensor(t, []int{2, 3}, []int32{1, 0, 1, 0, 1, 0})
	if err := set.Update(logits, labels, nil); err != nil {
		t.Fatal(err)
	}
	got := set.Compute()
	if got[MetricF1Max] < 0.999 {
		t.Errorf("Expected f1_max near 1, got %v", got[MetricF1Max])
	}
	if got[MetricAccuracy] != 1 {
		t.Errorf("Expected flattened accuracy 1, got %v", got[MetricAccuracy])
	}

	set.Reset()
	wrong := mustTensor(t, []int{2, 3}, []float32{-5, 5, -5, 5, -5, 5})
	if err := set.Update(wrong, labels, nil); err != nil {
		t.Fatal(err)
	}
	if got := set.Compute()[MetricF1Max]; got >= 0.999 {
		t.Errorf("Inverted scores should not reach f1_max 1, got %v", got)
	}
}

func TestResidueMetricsSkipPaddingAndIgnored(t *testing.T) {
	set, _ := NewMetricSet("accuracy", 2, ResidueClassification)
	// position 0 correct, position 1 ignored label, position 2 padded and wrong
	logits := mustTensor(t, []int{1, 3, 2}, []float32{0, 1, 1, 0, 1, 0})
	labels := mustTensor(t, []int{1, 3}, []int32{1, -1, 1})
	mask := mustTensor(t, []int{1, 3}, []int32{1, 1, 0})
	if err := set.Update(logits, labels, mask); err != nil {
		t.Fatal(err)
	}
	if got := set.Compute()[MetricAccuracy]; got != 1 {
		t.Errorf("Expected accuracy 1 over the single counted position, got %v", got)
	}

	badMask := mustTensor(t, []int{1, 2}, []int32{1, 1})
	if err := set.Update(logits, labels, badMask); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch for mask, got %v", err)
	}
}
