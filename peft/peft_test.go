package peft

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
)

var encoderConfig = models.EncoderConfig{Name: "tiny", VocabSize: 50, Hidden: 6, Seed: 11}

func testEncoder(t *testing.T) *models.Encoder {
	t.Helper()
	enc, err := models.NewEncoder(encoderConfig)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	return enc
}

func testBatch(t *testing.T) data.Batch {
	t.Helper()
	c := &data.Collator{Tokenizer: data.NewTokenizer(false), Kind: data.LabelClass}
	b, err := c.Collate([]data.Sample{{Seq: "MKVLAG", Label: float64(1)}, {Seq: "ACD", Label: float64(0)}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	return b
}

// perturb moves every adapter parameter away from its initial value so that
// the adapter actually changes the layer.
func perturb(a Adapter, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range a.Parameters() {
		v, _ := p.Float32s()
		for i := range v {
			v[i] += float32(rng.NormFloat64() * 0.3)
		}
	}
}

func TestApplyFreezesBase(t *testing.T) {
	for _, kind := range Kinds {
		enc := testEncoder(t)
		a, err := Apply(enc, DefaultConfig(kind))
		if err != nil {
			t.Fatalf("%s: Apply failed: %v", kind, err)
		}
		for name, p := range enc.StateDict() {
			if p.RequiresGrad() {
				t.Errorf("%s: base parameter %s is still trainable", kind, name)
			}
		}
		for _, p := range a.Parameters() {
			if !p.RequiresGrad() {
				t.Errorf("%s: adapter parameter is not trainable", kind)
			}
		}
		if _, err := Apply(enc, DefaultConfig(kind)); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Errorf("%s: expected configuration error applying twice, got %v", kind, err)
		}
	}
}

func TestFreshAdapterIsIdentity(t *testing.T) {
	for _, kind := range []Kind{LoRA, DoRA, AdaLoRA, IA3} {
		enc := testEncoder(t)
		before, _ := enc.Forward(testBatch(t))
		if _, err := Apply(enc, DefaultConfig(kind)); err != nil {
			t.Fatal(err)
		}
		after, _ := enc.Forward(testBatch(t))
		b, _ := before.Float32s()
		a, _ := after.Float32s()
		for i := range b {
			if math.Abs(float64(a[i]-b[i])) > 1e-5 {
				t.Errorf("%s: fresh adapter changed output %d from %g to %g", kind, i, b[i], a[i])
				break
			}
		}
	}
}

func TestMergeAndUnloadPreservesForward(t *testing.T) {
	for _, kind := range Kinds {
		enc := testEncoder(t)
		a, err := Apply(enc, DefaultConfig(kind))
		if err != nil {
			t.Fatal(err)
		}
		perturb(a, 5)
		b := testBatch(t)
		adapted, err := enc.Forward(b)
		if err != nil {
			t.Fatalf("%s: forward failed: %v", kind, err)
		}
		if err := MergeAndUnload(enc); err != nil {
			t.Fatalf("%s: MergeAndUnload failed: %v", kind, err)
		}
		if enc.Dense().Adapter() != nil {
			t.Errorf("%s: adapter still attached after merge", kind)
		}
		merged, _ := enc.Forward(b)
		if !tensor.Equal(adapted, merged) {
			t.Errorf("%s: merged forward differs from adapted forward", kind)
		}
	}
	if err := MergeAndUnload(testEncoder(t)); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error merging without adapter, got %v", err)
	}
}

func TestAdapterGradients(t *testing.T) {
	for _, kind := range Kinds {
		enc := testEncoder(t)
		a, _ := Apply(enc, DefaultConfig(kind))
		perturb(a, 9)
		b := testBatch(t)

		loss := func() float64 {
			h, err := enc.Forward(b)
			if err != nil {
				t.Fatal(err)
			}
			v, _ := h.Float32s()
			sum := 0.0
			for i, x := range v {
				sum += float64(x) * math.Cos(float64(i))
			}
			return sum
		}
		h, _ := enc.Forward(b)
		g := make([]float32, h.NumElems)
		for i := range g {
			g[i] = float32(math.Cos(float64(i)))
		}
		grad, _ := tensor.NewTensor(h.Shape, tensor.Float32, tensor.CPU, g)
		if err := enc.Backward(grad); err != nil {
			t.Fatalf("%s: Backward failed: %v", kind, err)
		}

		const eps = 1e-3
		for pi, p := range a.Parameters() {
			values, _ := p.Float32s()
			analytic, _ := p.Grad().Float32s()
			for _, i := range []int{0, len(values) / 2, len(values) - 1} {
				orig := values[i]
				values[i] = orig + eps
				up := loss()
				values[i] = orig - eps
				down := loss()
				values[i] = orig
				numeric := (up - down) / (2 * eps)
				if math.Abs(numeric-float64(analytic[i])) > 2e-2*(1+math.Abs(numeric)) {
					t.Errorf("%s param %d[%d]: analytic %g, numeric %g", kind, pi, i, analytic[i], numeric)
				}
			}
		}
	}
}

func TestSaveLoadAdapter(t *testing.T) {
	ctx := context.Background()
	for _, kind := range Kinds {
		store := artifact.NewMemoryStore()
		enc := testEncoder(t)
		a, _ := Apply(enc, DefaultConfig(kind))
		perturb(a, 3)
		b := testBatch(t)
		want, _ := enc.Forward(b)

		dir := "model" + kind.Suffix()
		if err := SaveAdapter(ctx, store, dir, enc); err != nil {
			t.Fatalf("%s: SaveAdapter failed: %v", kind, err)
		}
		fresh := testEncoder(t)
		cfg, err := LoadAdapter(ctx, store, dir, fresh)
		if err != nil {
			t.Fatalf("%s: LoadAdapter failed: %v", kind, err)
		}
		if cfg.Kind != kind || cfg.BaseModel != "tiny" {
			t.Errorf("%s: loaded config %+v", kind, cfg)
		}
		got, _ := fresh.Forward(b)
		if !tensor.Equal(want, got) {
			t.Errorf("%s: reloaded adapter gives a different forward", kind)
		}
	}
}

func TestLoadAdapterErrors(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	if _, err := LoadAdapter(ctx, store, "missing_lora", testEncoder(t)); !errors.Is(err, errdefs.ErrResource) {
		t.Errorf("Expected resource error for missing adapter, got %v", err)
	}

	enc := testEncoder(t)
	Apply(enc, DefaultConfig(LoRA))
	if err := SaveAdapter(ctx, store, "m_lora", enc); err != nil {
		t.Fatal(err)
	}
	cfg, _ := store.Get(ctx, "m_lora/"+ConfigFile)
	store.Put(ctx, "m_ia3/"+ConfigFile, []byte(`{"peft_type":"ia3","r":8,"lora_alpha":32,"target_modules":["dense"]}`))
	weights, _ := store.Get(ctx, "m_lora/"+WeightsFile)
	store.Put(ctx, "m_ia3/"+WeightsFile, weights)
	if _, err := LoadAdapter(ctx, store, "m_ia3", testEncoder(t)); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Errorf("Expected checkpoint mismatch for lora weights under ia3 config, got %v", err)
	}
	if len(cfg) == 0 {
		t.Error("adapter config was not written")
	}

	if err := SaveAdapter(ctx, store, "x", testEncoder(t)); !errors.Is(err, errdefs.ErrCheckpointMismatch) {
		t.Errorf("Expected checkpoint mismatch saving without adapter, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := ParseKind("plm-dora"); err != nil {
		t.Errorf("ParseKind(plm-dora) failed: %v", err)
	}
	if _, err := ParseKind("prefix"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	cfg := DefaultConfig(LoRA)
	cfg.TargetModules = []string{"query"}
	if _, err := Apply(testEncoder(t), cfg); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown target, got %v", err)
	}
}
