package training

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints"
	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
)

// Problem types.
const (
	Classification           = "classification"
	Regression               = "regression"
	MultiLabelClassification = "multi_label_classification"
	ResidueClassification    = "residue_single_label_classification"
)

// IsResidue reports whether problemType is a per-position task.
func IsResidue(problemType string) bool {
	return strings.Contains(problemType, "residue")
}

// Config holds every option of a run. JSON names follow the command line
// flags so a dumped configuration can be fed back with -config.
type Config struct {
	ProblemType               string  `json:"problem_type"`
	NumLabels                 int     `json:"num_labels"`
	TrainingMethod            string  `json:"training_method"`
	LearningRate              float64 `json:"learning_rate"`
	WeightDecay               float64 `json:"weight_decay"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	MaxGradNorm               float64 `json:"max_grad_norm"`
	Monitor                   string  `json:"monitor"`
	MonitorStrategy           string  `json:"monitor_strategy"`
	Patience                  int     `json:"patience"`
	NumEpochs                 int     `json:"num_epochs"`
	Metrics                   string  `json:"metrics"`
	Wandb                     bool    `json:"wandb"`

	Scheduler   string `json:"scheduler"`
	WarmupSteps int    `json:"warmup_steps"`

	LoraR     int     `json:"lora_r"`
	LoraAlpha float64 `json:"lora_alpha"`

	PLMModel   string `json:"plm_model"`
	HiddenSize int    `json:"hidden_size"`
	Seed       int64  `json:"seed"`

	TrainFile          string `json:"train_file"`
	ValidFile          string `json:"valid_file"`
	TestFile           string `json:"test_file"`
	SequenceColumnName string `json:"sequence_column_name"`
	LabelColumnName    string `json:"label_column_name"`
	StructureSeq       string `json:"structure_seq"`
	MaxSeqLen          int    `json:"max_seq_len"`
	BatchSize          int    `json:"batch_size"`
	BatchToken         int    `json:"batch_token"`
	Prefetch           int    `json:"prefetch"`

	OutputDir       string `json:"output_dir"`
	OutputModelName string `json:"output_model_name"`
	TestResultDir   string `json:"test_result_dir"`
	Device          string `json:"device"`
	RunID           string `json:"run_id"`
}

// DefaultConfig returns the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		ProblemType:               Classification,
		NumLabels:                 2,
		TrainingMethod:            checkpoints.MethodFreeze,
		LearningRate:              1e-3,
		WeightDecay:               0.01,
		GradientAccumulationSteps: 1,
		Monitor:                   "loss",
		MonitorStrategy:           "min",
		Patience:                  10,
		NumEpochs:                 100,
		Metrics:                   "accuracy",
		Scheduler:                 "",
		LoraR:                     8,
		LoraAlpha:                 32,
		PLMModel:                  "tiny-plm",
		HiddenSize:                32,
		Seed:                      3407,
		SequenceColumnName:        "aa_seq",
		LabelColumnName:           "label",
		BatchToken:                10000,
		OutputDir:                 "ckpt",
		OutputModelName:           "model.pt",
		Device:                    "cpu",
	}
}

// LoadConfig reads a JSON configuration file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %v: %w", path, err, errdefs.ErrResource)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %v: %w", path, err, errdefs.ErrConfiguration)
	}
	return cfg, nil
}

// Validate checks every option the trainer depends on.
func (c *Config) Validate() error {
	switch {
	case c.ProblemType == Classification, c.ProblemType == Regression,
		c.ProblemType == MultiLabelClassification, IsResidue(c.ProblemType):
	default:
		return fmt.Errorf("unknown problem_type %q: %w", c.ProblemType, errdefs.ErrConfiguration)
	}
	if c.NumLabels < 1 {
		return fmt.Errorf("num_labels must be at least 1, got %d: %w", c.NumLabels, errdefs.ErrConfiguration)
	}
	if _, err := checkpoints.ParseMethod(c.TrainingMethod); err != nil {
		return err
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g: %w", c.LearningRate, errdefs.ErrConfiguration)
	}
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("gradient_accumulation_steps must be at least 1, got %d: %w", c.GradientAccumulationSteps, errdefs.ErrConfiguration)
	}
	if c.MaxGradNorm < 0 {
		return fmt.Errorf("max_grad_norm must not be negative: %w", errdefs.ErrConfiguration)
	}
	if c.MonitorStrategy != "min" && c.MonitorStrategy != "max" {
		return fmt.Errorf("monitor_strategy must be min or max, got %q: %w", c.MonitorStrategy, errdefs.ErrConfiguration)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must not be negative, got %d: %w", c.Patience, errdefs.ErrConfiguration)
	}
	if c.NumEpochs < 1 {
		return fmt.Errorf("num_epochs must be at least 1, got %d: %w", c.NumEpochs, errdefs.ErrConfiguration)
	}
	names := c.MetricNames()
	for _, name := range names {
		if !knownMetric(name) {
			return fmt.Errorf("%q: %w", name, errdefs.ErrInvalidMetric)
		}
	}
	if c.Monitor == "" {
		return fmt.Errorf("monitor is required: %w", errdefs.ErrConfiguration)
	}
	if c.Monitor != "loss" && !contains(names, c.Monitor) {
		return fmt.Errorf("monitor %q is neither loss nor one of the metrics %v: %w", c.Monitor, names, errdefs.ErrConfiguration)
	}
	if c.OutputModelName == "" {
		return fmt.Errorf("output_model_name is required: %w", errdefs.ErrConfiguration)
	}
	if _, err := scheduleFor(c, 1); err != nil {
		return err
	}
	return nil
}

// MetricNames splits Metrics into trimmed, non-empty names.
func (c *Config) MetricNames() []string {
	var names []string
	for _, n := range strings.Split(c.Metrics, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Method returns the training method, with the adapter rank and alpha of
// PEFT methods taken from the configuration.
func (c *Config) Method() (checkpoints.Method, error) {
	m, err := checkpoints.ParseMethod(c.TrainingMethod)
	if err != nil {
		return nil, err
	}
	if p, ok := m.(*checkpoints.PEFTMethod); ok {
		if c.LoraR > 0 {
			p.Adapter.Rank = c.LoraR
		}
		if c.LoraAlpha > 0 {
			p.Adapter.Alpha = c.LoraAlpha
		}
		p.Adapter.BaseModel = c.PLMModel
	}
	return m, nil
}

// LabelKind maps the problem type to the collator's label encoding.
func (c *Config) LabelKind() data.LabelKind {
	switch {
	case c.ProblemType == Regression:
		return data.LabelRegression
	case c.ProblemType == MultiLabelClassification:
		return data.LabelMultiHot
	case IsResidue(c.ProblemType):
		return data.LabelResidue
	default:
		return data.LabelClass
	}
}

// Columns returns the dataset columns, with structure columns enabled by
// StructureSeq ("foldseek_seq", "ss8_seq" or both, comma-separated).
func (c *Config) Columns() data.Columns {
	cols := data.DefaultColumns()
	if c.SequenceColumnName != "" {
		cols.Sequence = c.SequenceColumnName
	}
	if c.LabelColumnName != "" {
		cols.Label = c.LabelColumnName
	}
	structure := strings.Split(c.StructureSeq, ",")
	if !contains(structure, cols.Foldseek) {
		cols.Foldseek = ""
	}
	if !contains(structure, cols.SS8) {
		cols.SS8 = ""
	}
	return cols
}

// CheckpointPath is where the best checkpoint is written.
func (c *Config) CheckpointPath() string {
	return c.OutputModelName
}

// ConfigDumpName is the file the configuration is dumped to: the model name
// up to its first dot, with a .json extension.
func (c *Config) ConfigDumpName() string {
	stem, _, _ := strings.Cut(c.OutputModelName, ".")
	return stem + ".json"
}

// Clone returns a deep copy of c.
func (c *Config) Clone() (Config, error) {
	var out Config
	if err := deepcopy.Copy(&out, c); err != nil {
		return Config{}, fmt.Errorf("copy config: %v", err)
	}
	return out, nil
}

// EnsureRunID assigns a run id if none is set.
func (c *Config) EnsureRunID() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
}

// Dump writes the configuration as JSON to ConfigDumpName in store.
func (c *Config) Dump(ctx context.Context, store artifact.Store) error {
	raw, err := json.Marshal(c, jsontext.WithIndent("  "))
	if err != nil {
		return fmt.Errorf("encode config: %v", err)
	}
	return store.Put(ctx, c.ConfigDumpName(), raw)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
