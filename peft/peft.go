package peft

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints/statefile"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/models"
)

// File names inside an adapter directory.
const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.bin"
)

// Adapter is an attached adapter that knows its own configuration.
type Adapter interface {
	models.Adapter
	Config() Config
}

// Apply freezes every base parameter of enc and attaches a fresh adapter of
// cfg.Kind to its dense projection. Only the adapter parameters are
// trainable afterwards.
func Apply(enc *models.Encoder, cfg Config) (Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dense := enc.Dense()
	if dense.Adapter() != nil {
		return nil, fmt.Errorf("encoder already has a %s adapter: %w", dense.Adapter().Kind(), errdefs.ErrConfiguration)
	}
	models.SetTrainable(enc, false)

	rng := rand.New(rand.NewSource(cfg.Seed))
	base := dense.Weight()
	var (
		a   Adapter
		err error
	)
	switch cfg.Kind {
	case LoRA, QLoRA:
		a, err = newLoRA(cfg, base, rng)
	case DoRA:
		a, err = newDoRA(cfg, base, rng)
	case AdaLoRA:
		a, err = newAdaLoRA(cfg, base, rng)
	case IA3:
		a, err = newIA3(cfg, base)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %v", cfg.Kind, err)
	}
	for _, p := range a.Parameters() {
		p.SetRequiresGrad(true)
	}
	dense.SetAdapter(a)
	return a, nil
}

// Attached returns the adapter on enc, or nil.
func Attached(enc *models.Encoder) Adapter {
	a, _ := enc.Dense().Adapter().(Adapter)
	return a
}

// SaveAdapter writes the adapter attached to enc into dir: its configuration
// as adapter_config.json and its weights as adapter_model.bin.
func SaveAdapter(ctx context.Context, store artifact.Store, dir string, enc *models.Encoder) error {
	a := Attached(enc)
	if a == nil {
		return fmt.Errorf("encoder has no adapter to save: %w", errdefs.ErrCheckpointMismatch)
	}
	cfg := a.Config()
	cfg.BaseModel = enc.Config().Name
	cfgData, err := json.Marshal(cfg, jsontext.WithIndent("  "))
	if err != nil {
		return fmt.Errorf("encode adapter config: %v", err)
	}
	sd, err := a.StateDict().HostCopy()
	if err != nil {
		return err
	}
	weights, err := statefile.Marshal(&statefile.File{
		Layout:   "adapter:" + string(cfg.Kind),
		Created:  time.Now().Unix(),
		Sections: map[string]models.StateDict{"adapter": sd},
	})
	if err != nil {
		return fmt.Errorf("encode adapter weights: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Put(gctx, artifact.Join(dir, ConfigFile), cfgData)
	})
	g.Go(func() error {
		return store.Put(gctx, artifact.Join(dir, WeightsFile), weights)
	})
	return g.Wait()
}

// LoadAdapter reads dir, attaches an adapter of the saved configuration to
// enc and restores its weights. The returned configuration is the one read
// from dir.
func LoadAdapter(ctx context.Context, store artifact.Store, dir string, enc *models.Encoder) (Config, error) {
	raw, err := store.Get(ctx, artifact.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %v: %w", ConfigFile, err, errdefs.ErrCheckpointMismatch)
	}
	data, err := store.Get(ctx, artifact.Join(dir, WeightsFile))
	if err != nil {
		return Config{}, err
	}
	f, err := statefile.Unmarshal(data)
	if err != nil {
		return Config{}, err
	}
	if want := "adapter:" + string(cfg.Kind); f.Layout != want {
		return Config{}, fmt.Errorf("adapter weights written as %q, config says %q: %w", f.Layout, want, errdefs.ErrCheckpointMismatch)
	}

	a, err := Apply(enc, cfg)
	if err != nil {
		return Config{}, err
	}
	if err := a.LoadStateDict(f.Sections["adapter"]); err != nil {
		enc.Dense().SetAdapter(nil)
		return Config{}, err
	}
	return cfg, nil
}

// MergeAndUnload folds the attached adapter into the base weights and
// detaches it. The merged weight is exactly the effective weight the adapter
// produced, so forward outputs do not change.
func MergeAndUnload(enc *models.Encoder) error {
	dense := enc.Dense()
	a := dense.Adapter()
	if a == nil {
		return fmt.Errorf("encoder has no adapter to merge: %w", errdefs.ErrConfiguration)
	}
	w, err := a.EffectiveWeight(dense.Weight())
	if err != nil {
		return fmt.Errorf("merge %s adapter: %v", a.Kind(), err)
	}
	if err := dense.SetWeight(w); err != nil {
		return err
	}
	dense.SetAdapter(nil)
	return nil
}
