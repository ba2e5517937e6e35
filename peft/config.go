// Package peft attaches parameter efficient adapters to a backbone's dense
// projection, persists them next to a checkpoint, and merges them back into
// the base weights.
package peft

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-plm/errdefs"
)

// Kind is an adapter variant.
type Kind string

const (
	LoRA    Kind = "lora"
	QLoRA   Kind = "qlora"
	DoRA    Kind = "dora"
	AdaLoRA Kind = "adalora"
	IA3     Kind = "ia3"
)

// Kinds lists every supported variant.
var Kinds = []Kind{LoRA, QLoRA, DoRA, AdaLoRA, IA3}

// ParseKind accepts a variant name with or without the "plm-" prefix used by
// training method names.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.TrimPrefix(name, "plm-"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown adapter type %q: %w", name, errdefs.ErrConfiguration)
}

// Suffix is appended to a checkpoint path (minus .pt) to name the adapter
// directory.
func (k Kind) Suffix() string {
	return "_" + string(k)
}

// Config is written as adapter_config.json beside the adapter weights.
type Config struct {
	Kind          Kind     `json:"peft_type"`
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	BaseModel     string   `json:"base_model_name_or_path,omitempty"`
	Seed          int64    `json:"seed"`
}

// DefaultConfig returns the settings used for kind when nothing else is
// configured.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:          kind,
		Rank:          8,
		Alpha:         32,
		TargetModules: []string{"dense"},
		Seed:          42,
	}
}

// Scale is the low rank update multiplier alpha/r.
func (c Config) Scale() float64 {
	return c.Alpha / float64(c.Rank)
}

func (c Config) validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Kind != IA3 && c.Rank <= 0 {
		return fmt.Errorf("adapter rank must be positive, got %d: %w", c.Rank, errdefs.ErrConfiguration)
	}
	for _, m := range c.TargetModules {
		if m != "dense" {
			return fmt.Errorf("unsupported target module %q: %w", m, errdefs.ErrConfiguration)
		}
	}
	return nil
}
