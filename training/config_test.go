package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints"
	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
)

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"problem type", func(c *Config) { c.ProblemType = "ranking" }, errdefs.ErrConfiguration},
		{"num labels", func(c *Config) { c.NumLabels = 0 }, errdefs.ErrConfiguration},
		{"method", func(c *Config) { c.TrainingMethod = "plm-prefix" }, errdefs.ErrConfiguration},
		{"learning rate", func(c *Config) { c.LearningRate = 0 }, errdefs.ErrConfiguration},
		{"accumulation", func(c *Config) { c.GradientAccumulationSteps = 0 }, errdefs.ErrConfiguration},
		{"grad norm", func(c *Config) { c.MaxGradNorm = -1 }, errdefs.ErrConfiguration},
		{"strategy", func(c *Config) { c.MonitorStrategy = "best" }, errdefs.ErrConfiguration},
		{"patience", func(c *Config) { c.Patience = -2 }, errdefs.ErrConfiguration},
		{"epochs", func(c *Config) { c.NumEpochs = 0 }, errdefs.ErrConfiguration},
		{"metric", func(c *Config) { c.Metrics = "accuracy,top5" }, errdefs.ErrInvalidMetric},
		{"monitor", func(c *Config) { c.Monitor = "f1" }, errdefs.ErrConfiguration},
		{"model name", func(c *Config) { c.OutputModelName = "" }, errdefs.ErrConfiguration},
		{"scheduler", func(c *Config) { c.Scheduler = "onecycle" }, errdefs.ErrConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	residue := DefaultConfig()
	residue.ProblemType = "residue_multi_class_classification"
	if err := residue.Validate(); err != nil {
		t.Errorf("Residue problem types should be accepted: %v", err)
	}
	monitored := DefaultConfig()
	monitored.Metrics = "accuracy, mcc"
	monitored.Monitor = "mcc"
	if err := monitored.Validate(); err != nil {
		t.Errorf("A listed monitor should be accepted: %v", err)
	}
}

func TestConfigMethod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrainingMethod = "plm-dora"
	cfg.LoraR = 4
	cfg.LoraAlpha = 16
	m, err := cfg.Method()
	if err != nil {
		t.Fatal(err)
	}
	p, ok := m.(*checkpoints.PEFTMethod)
	if !ok {
		t.Fatalf("Expected a PEFT method, got %T", m)
	}
	if p.Adapter.Rank != 4 || p.Adapter.Alpha != 16 || p.Adapter.BaseModel != cfg.PLMModel {
		t.Errorf("Adapter config not taken from the run config: %+v", p.Adapter)
	}
}

func TestConfigDerivedValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputModelName = "best.model.pt"
	if got := cfg.ConfigDumpName(); got != "best.json" {
		t.Errorf("ConfigDumpName = %q", got)
	}
	if cfg.CheckpointPath() != "best.model.pt" {
		t.Errorf("CheckpointPath = %q", cfg.CheckpointPath())
	}

	kinds := map[string]data.LabelKind{
		Classification:           data.LabelClass,
		Regression:               data.LabelRegression,
		MultiLabelClassification: data.LabelMultiHot,
		ResidueClassification:    data.LabelResidue,
	}
	for pt, want := range kinds {
		cfg.ProblemType = pt
		if got := cfg.LabelKind(); got != want {
			t.Errorf("%s: label kind %v, want %v", pt, got, want)
		}
	}

	cfg.SequenceColumnName = "sequence"
	cfg.StructureSeq = "foldseek_seq"
	want := data.Columns{Sequence: "sequence", Label: "label", Foldseek: "foldseek_seq"}
	if diff := cmp.Diff(want, cfg.Columns()); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone, err := cfg.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, clone); diff != "" {
		t.Errorf("Clone differs (-orig +clone):\n%s", diff)
	}
	clone.Metrics = "f1"
	clone.EnsureRunID()
	if cfg.Metrics != "accuracy" || cfg.RunID != "" {
		t.Error("Mutating the clone changed the original")
	}
	id := clone.RunID
	clone.EnsureRunID()
	if id == "" || clone.RunID != id {
		t.Errorf("EnsureRunID should assign once, got %q then %q", id, clone.RunID)
	}
}

func TestConfigDumpAndLoad(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.TrainingMethod = "plm-lora"
	cfg.Metrics = "accuracy,f1"
	cfg.RunID = "abc"

	store := artifact.NewMemoryStore()
	if err := cfg.Dump(ctx, store); err != nil {
		t.Fatal(err)
	}
	raw, err := store.Get(ctx, "model.json")
	if err != nil {
		t.Fatal(err)
	}
	var decoded Config
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, decoded); diff != "" {
		t.Errorf("Dumped config mismatch (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(`{"training_method": "full", "num_epochs": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingMethod != "full" || loaded.NumEpochs != 3 || loaded.LearningRate != DefaultConfig().LearningRate {
		t.Errorf("LoadConfig should overlay the file on the defaults: %+v", loaded)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, errdefs.ErrResource) {
		t.Errorf("Expected resource error, got %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"num_epochs": "many"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
