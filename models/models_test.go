package models

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

func testBatch(t *testing.T) data.Batch {
	t.Helper()
	c := &data.Collator{Tokenizer: data.NewTokenizer(false), Kind: data.LabelClass}
	b, err := c.Collate([]data.Sample{{Seq: "MKVL", Label: float64(1)}, {Seq: "AC", Label: float64(0)}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	return b
}

func testPair(t *testing.T, residue bool) *Pair {
	t.Helper()
	enc, err := NewEncoder(EncoderConfig{VocabSize: data.NewTokenizer(false).VocabSize(), Hidden: 4, Seed: 7})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	head, err := NewHead(HeadConfig{Hidden: 4, NumLabels: 3, Residue: residue, Seed: 3})
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	return &Pair{Head: head, Backbone: enc}
}

// weightedSum is a loss whose gradient with respect to the logits is r.
func weightedSum(t *testing.T, p *Pair, b data.Batch) (float64, []float32) {
	t.Helper()
	logits, err := p.Forward(b)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	v, _ := logits.Float32s()
	r := make([]float32, len(v))
	sum := 0.0
	for i := range v {
		r[i] = float32(math.Sin(float64(i) + 1))
		sum += float64(v[i]) * float64(r[i])
	}
	return sum, r
}

func TestPairGradients(t *testing.T) {
	for _, residue := range []bool{false, true} {
		p := testPair(t, residue)
		b := testBatch(t)
		_, r := weightedSum(t, p, b)
		logits, _ := p.Forward(b)
		grad, _ := tensor.NewTensor(logits.Shape, tensor.Float32, tensor.CPU, r)
		if err := p.Backward(grad, true); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		enc := p.Backbone.(*Encoder)
		params := map[string]*tensor.Tensor{
			"classifier.weight": p.Head.classifier.weight,
			"dense.weight":      enc.dense.weight,
			"embeddings.weight": enc.embeddings,
		}
		const eps = 1e-3
		for name, param := range params {
			values, _ := param.Float32s()
			analytic, _ := param.Grad().Float32s()
			for _, i := range []int{0, 5, len(values) - 1} {
				// embedding rows of unused tokens have zero gradient; use the
				// row of the first residue for the embedding check.
				if name == "embeddings.weight" {
					ids, _ := b[data.KeyInputIDs].Int32s()
					i = int(ids[1])*4 + 1
				}
				orig := values[i]
				values[i] = orig + eps
				up, _ := weightedSum(t, p, b)
				values[i] = orig - eps
				down, _ := weightedSum(t, p, b)
				values[i] = orig
				numeric := (up - down) / (2 * eps)
				if math.Abs(numeric-float64(analytic[i])) > 1e-2*(1+math.Abs(numeric)) {
					t.Errorf("residue=%v %s[%d]: analytic %g, numeric %g", residue, name, i, analytic[i], numeric)
				}
			}
		}
	}
}

func TestFrozenBackboneNoGrad(t *testing.T) {
	p := testPair(t, false)
	SetTrainable(p.Backbone, false)
	b := testBatch(t)
	logits, _ := p.Forward(b)
	grad, _ := tensor.Full(logits.Shape, 1, tensor.CPU)
	if err := p.Backward(grad, true); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, param := range p.Backbone.Parameters() {
		if param.Grad() != nil {
			t.Error("Frozen backbone parameter received a gradient")
		}
	}
	if p.Head.classifier.weight.Grad() == nil {
		t.Error("Head weight has no gradient")
	}
	total, trainable := ParamCount(p.Backbone)
	if trainable != 0 || total == 0 {
		t.Errorf("ParamCount = (%d, %d), want (>0, 0)", total, trainable)
	}
}

func TestPooledIgnoresPadding(t *testing.T) {
	p := testPair(t, false)
	b := testBatch(t)
	logits, err := p.Forward(b)
	if err != nil {
		t.Fatal(err)
	}
	// run the short sequence on its own; pooling must give the same logits.
	c := &data.Collator{Tokenizer: data.NewTokenizer(false), Kind: data.LabelClass}
	single, _ := c.Collate([]data.Sample{{Seq: "AC", Label: float64(0)}})
	alone, err := p.Forward(single)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := logits.Float32s()
	want, _ := alone.Float32s()
	for j := 0; j < 3; j++ {
		if math.Abs(float64(got[3+j]-want[j])) > 1e-6 {
			t.Errorf("logit %d: batched %g, alone %g", j, got[3+j], want[j])
		}
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	a := testPair(t, false)
	other, _ := NewEncoder(EncoderConfig{VocabSize: data.NewTokenizer(false).VocabSize(), Hidden: 4, Seed: 99})
	sd, err := a.Backbone.StateDict().HostCopy()
	if err != nil {
		t.Fatal(err)
	}
	if err := other.LoadStateDict(sd); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	for _, k := range sd.Keys() {
		if !tensor.Equal(sd[k], other.StateDict()[k]) {
			t.Errorf("%s differs after load", k)
		}
	}

	delete(sd, "dense.bias")
	if err := other.LoadStateDict(sd); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Errorf("Expected checkpoint mismatch for missing key, got %v", err)
	}
	sd["extra"] = sd["dense.weight"]
	if err := a.Head.LoadStateDict(sd); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Errorf("Expected checkpoint mismatch for foreign keys, got %v", err)
	}
}

func TestLoadStateDictIsAllOrNothing(t *testing.T) {
	a := testPair(t, false)
	other, _ := NewEncoder(EncoderConfig{VocabSize: data.NewTokenizer(false).VocabSize(), Hidden: 4, Seed: 99})
	before, _ := other.StateDict().HostCopy()

	sd, _ := a.Backbone.StateDict().HostCopy()
	// dense.* fit; embeddings.weight sorts last and does not.
	sd["embeddings.weight"], _ = tensor.Zeros([]int{3, 4}, tensor.Float32, tensor.CPU)
	if err := other.LoadStateDict(sd); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Fatalf("Expected checkpoint mismatch, got %v", err)
	}
	for _, k := range before.Keys() {
		if !tensor.Equal(before[k], other.StateDict()[k]) {
			t.Errorf("%s was written by a failed load", k)
		}
	}

	sd, _ = a.Backbone.StateDict().HostCopy()
	sd["dense.bias"], _ = tensor.Zeros([]int{4}, tensor.Int32, tensor.CPU)
	if err := CheckStateDict(other.StateDict(), sd); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Errorf("Expected checkpoint mismatch for an int32 tensor, got %v", err)
	}
}

func TestFactoryDeterministic(t *testing.T) {
	f := ConfigFactory{Config: NamedEncoderConfig("esm2_t6_8M", 50, 8)}
	a, err := f.NewBackbone(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.NewBackbone(context.Background())
	for _, k := range a.StateDict().Keys() {
		if !tensor.Equal(a.StateDict()[k], b.StateDict()[k]) {
			t.Errorf("%s differs between fresh backbones", k)
		}
	}
	if NamedEncoderConfig("a", 1, 1).Seed == NamedEncoderConfig("b", 1, 1).Seed {
		t.Error("Expected different seeds for different names")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.NewBackbone(ctx); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
