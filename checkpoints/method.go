// Package checkpoints saves and restores a head/backbone pair. How much of
// the backbone takes part, in training and on disk, is decided by the
// training method, one Method value per method name.
package checkpoints

import (
	"context"
	"fmt"
	"strings"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints/statefile"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/optimizer"
	"github.com/tsawler/go-plm/peft"
)

// Section names inside a checkpoint file.
const (
	SectionHead     = "model_state_dict"
	SectionBackbone = "plm_state_dict"
)

// Layout names written into checkpoint headers.
const (
	LayoutFull = "full"
	LayoutHead = "head"
)

// Method binds a training method to its optimizer grouping, gradient
// clipping scope and checkpoint layout.
type Method interface {
	// Name is the training method name as configured.
	Name() string
	// Layout is the header value of the checkpoint files this method writes.
	Layout() string
	// TrainsBackbone reports whether backbone parameters take part in
	// optimisation and gradient clipping.
	TrainsBackbone() bool
	// Prepare sets which backbone parameters are trainable.
	Prepare(backbone models.Backbone) error
	// ParamGroups returns the optimizer groups: the head first, then the
	// trainable backbone parameters when the method trains the backbone.
	ParamGroups(head *models.Head, backbone models.Backbone, lr, weightDecay float64) []*optimizer.ParamGroup

	save(ctx context.Context, store artifact.Store, path string, head *models.Head, backbone models.Backbone) error
	load(ctx context.Context, store artifact.Store, f *statefile.File, path string, head *models.Head, backbone models.Backbone, factory models.Factory) (models.Backbone, error)
}

// Method names.
const (
	MethodFull       = "full"
	MethodLegacyLoRA = "lora"
	MethodFreeze     = "freeze"
)

// ParseMethod returns the Method for a training method name. An empty name
// selects the frozen backbone method. PEFT methods use peft.DefaultConfig.
func ParseMethod(name string) (Method, error) {
	switch name {
	case MethodFull:
		return &FullMethod{}, nil
	case MethodLegacyLoRA:
		return &FullMethod{Legacy: true}, nil
	case "", MethodFreeze:
		return &FreezeMethod{}, nil
	}
	if strings.HasPrefix(name, "plm-") {
		kind, err := peft.ParseKind(name)
		if err != nil {
			return nil, err
		}
		return NewPEFTMethod(peft.DefaultConfig(kind)), nil
	}
	return nil, fmt.Errorf("unknown training method %q: %w", name, errdefs.ErrConfiguration)
}

// MethodNames lists every accepted training method name.
func MethodNames() []string {
	names := []string{MethodFull, MethodLegacyLoRA, MethodFreeze}
	for _, k := range peft.Kinds {
		names = append(names, "plm-"+string(k))
	}
	return names
}

// FullMethod fine-tunes the whole backbone and saves head and backbone
// state in one file. Legacy is the old "lora" method name: it shares the
// file layout but trains the head only.
type FullMethod struct {
	Legacy bool
}

func (m *FullMethod) Name() string {
	if m.Legacy {
		return MethodLegacyLoRA
	}
	return MethodFull
}

func (m *FullMethod) Layout() string       { return LayoutFull }
func (m *FullMethod) TrainsBackbone() bool { return !m.Legacy }

func (m *FullMethod) Prepare(backbone models.Backbone) error {
	models.SetTrainable(backbone, !m.Legacy)
	return nil
}

func (m *FullMethod) ParamGroups(head *models.Head, backbone models.Backbone, lr, weightDecay float64) []*optimizer.ParamGroup {
	groups := []*optimizer.ParamGroup{optimizer.NewParamGroup("head", lr, weightDecay, head.Parameters())}
	if !m.Legacy {
		groups = append(groups, optimizer.NewParamGroup("backbone", lr, weightDecay, backbone.Parameters()))
	}
	return groups
}

func (m *FullMethod) save(ctx context.Context, store artifact.Store, path string, head *models.Head, backbone models.Backbone) error {
	headState, err := head.StateDict().HostCopy()
	if err != nil {
		return err
	}
	plmState, err := backbone.StateDict().HostCopy()
	if err != nil {
		return err
	}
	return writeFile(ctx, store, path, LayoutFull, map[string]models.StateDict{
		SectionHead:     headState,
		SectionBackbone: plmState,
	})
}

func (m *FullMethod) load(ctx context.Context, store artifact.Store, f *statefile.File, path string, head *models.Head, backbone models.Backbone, factory models.Factory) (models.Backbone, error) {
	if err := checkSections(f, map[string]models.Module{SectionHead: head, SectionBackbone: backbone}); err != nil {
		return nil, err
	}
	if err := loadSection(f, SectionHead, head); err != nil {
		return nil, err
	}
	if err := loadSection(f, SectionBackbone, backbone); err != nil {
		return nil, err
	}
	return backbone, nil
}

// FreezeMethod trains the head on a frozen backbone and saves the head only.
type FreezeMethod struct{}

func (m *FreezeMethod) Name() string         { return MethodFreeze }
func (m *FreezeMethod) Layout() string       { return LayoutHead }
func (m *FreezeMethod) TrainsBackbone() bool { return false }

func (m *FreezeMethod) Prepare(backbone models.Backbone) error {
	models.SetTrainable(backbone, false)
	return nil
}

func (m *FreezeMethod) ParamGroups(head *models.Head, backbone models.Backbone, lr, weightDecay float64) []*optimizer.ParamGroup {
	return []*optimizer.ParamGroup{optimizer.NewParamGroup("head", lr, weightDecay, head.Parameters())}
}

func (m *FreezeMethod) save(ctx context.Context, store artifact.Store, path string, head *models.Head, backbone models.Backbone) error {
	headState, err := head.StateDict().HostCopy()
	if err != nil {
		return err
	}
	return writeFile(ctx, store, path, LayoutHead, map[string]models.StateDict{SectionHead: headState})
}

func (m *FreezeMethod) load(ctx context.Context, store artifact.Store, f *statefile.File, path string, head *models.Head, backbone models.Backbone, factory models.Factory) (models.Backbone, error) {
	if err := loadSection(f, SectionHead, head); err != nil {
		return nil, err
	}
	return backbone, nil
}

// PEFTMethod trains an adapter on the backbone. The head goes to the
// checkpoint file and the adapter to a sibling directory named after the
// adapter kind.
type PEFTMethod struct {
	Adapter peft.Config
}

func NewPEFTMethod(cfg peft.Config) *PEFTMethod {
	return &PEFTMethod{Adapter: cfg}
}

func (m *PEFTMethod) Name() string         { return "plm-" + string(m.Adapter.Kind) }
func (m *PEFTMethod) Layout() string       { return LayoutHead + "+adapter:" + string(m.Adapter.Kind) }
func (m *PEFTMethod) TrainsBackbone() bool { return true }

func (m *PEFTMethod) Prepare(backbone models.Backbone) error {
	enc, err := encoder(backbone)
	if err != nil {
		return err
	}
	_, err = peft.Apply(enc, m.Adapter)
	return err
}

func (m *PEFTMethod) ParamGroups(head *models.Head, backbone models.Backbone, lr, weightDecay float64) []*optimizer.ParamGroup {
	return []*optimizer.ParamGroup{
		optimizer.NewParamGroup("head", lr, weightDecay, head.Parameters()),
		optimizer.NewParamGroup("backbone", lr, weightDecay, models.Trainable(backbone.Parameters())),
	}
}

// AdapterDir is where the adapter of the checkpoint at path is stored.
func (m *PEFTMethod) AdapterDir(path string) string {
	return AdapterDir(path, m.Adapter.Kind)
}

func (m *PEFTMethod) save(ctx context.Context, store artifact.Store, path string, head *models.Head, backbone models.Backbone) error {
	enc, err := encoder(backbone)
	if err != nil {
		return err
	}
	headState, err := head.StateDict().HostCopy()
	if err != nil {
		return err
	}
	if err := writeFile(ctx, store, path, m.Layout(), map[string]models.StateDict{SectionHead: headState}); err != nil {
		return err
	}
	return peft.SaveAdapter(ctx, store, m.AdapterDir(path), enc)
}

func (m *PEFTMethod) load(ctx context.Context, store artifact.Store, f *statefile.File, path string, head *models.Head, backbone models.Backbone, factory models.Factory) (models.Backbone, error) {
	dir := m.AdapterDir(path)
	ok, err := store.Exists(ctx, artifact.Join(dir, peft.ConfigFile))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("adapter directory %s is missing: %w", store.Location(dir), errdefs.ErrCheckpointMismatch)
	}
	if err := checkSections(f, map[string]models.Module{SectionHead: head}); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("loading a %s checkpoint needs a backbone factory: %w", m.Name(), errdefs.ErrConfiguration)
	}
	fresh, err := factory.NewBackbone(ctx)
	if err != nil {
		return nil, fmt.Errorf("create backbone: %w", err)
	}
	cfg, err := peft.LoadAdapter(ctx, store, dir, fresh)
	if err != nil {
		return nil, err
	}
	if cfg.Kind != m.Adapter.Kind {
		return nil, fmt.Errorf("adapter in %s is %s, want %s: %w", store.Location(dir), cfg.Kind, m.Adapter.Kind, errdefs.ErrCheckpointMismatch)
	}
	if err := peft.MergeAndUnload(fresh); err != nil {
		return nil, err
	}
	if err := loadSection(f, SectionHead, head); err != nil {
		return nil, err
	}
	return fresh, nil
}

// AdapterDir derives the adapter directory from a checkpoint path by
// replacing ".pt" with the kind suffix, or appending the suffix when the path
// has no ".pt".
func AdapterDir(path string, kind peft.Kind) string {
	if strings.Contains(path, ".pt") {
		return strings.ReplaceAll(path, ".pt", kind.Suffix())
	}
	return path + kind.Suffix()
}

func encoder(backbone models.Backbone) (*models.Encoder, error) {
	enc, ok := backbone.(*models.Encoder)
	if !ok {
		return nil, fmt.Errorf("adapters need a *models.Encoder backbone, got %T: %w", backbone, errdefs.ErrConfiguration)
	}
	return enc, nil
}

// checkSections validates every named section against its module before
// any of them is loaded.
func checkSections(f *statefile.File, modules map[string]models.Module) error {
	for _, name := range []string{SectionHead, SectionBackbone} {
		m, ok := modules[name]
		if !ok {
			continue
		}
		sd, ok := f.Sections[name]
		if !ok {
			return fmt.Errorf("checkpoint has no %s section: %w", name, errdefs.ErrCheckpointMismatch)
		}
		if err := models.CheckStateDict(m.StateDict(), sd); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func loadSection(f *statefile.File, name string, m models.Module) error {
	sd, ok := f.Sections[name]
	if !ok {
		return fmt.Errorf("checkpoint has no %s section: %w", name, errdefs.ErrCheckpointMismatch)
	}
	if err := m.LoadStateDict(sd); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
