package checkpoints

import (
	"context"
	"fmt"
	"time"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints/statefile"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/internal/logging"
	"github.com/tsawler/go-plm/models"
)

// Manager saves and restores checkpoints in a store.
type Manager struct {
	store   artifact.Store
	factory models.Factory
}

// NewManager creates a manager over store. The factory builds the fresh
// backbone that PEFT checkpoints are loaded into.
func NewManager(store artifact.Store, factory models.Factory) *Manager {
	return &Manager{store: store, factory: factory}
}

// Store returns the underlying artifact store.
func (m *Manager) Store() artifact.Store { return m.store }

// Save writes head and backbone to path in the layout of method. Any write
// failure is returned.
func (m *Manager) Save(ctx context.Context, method Method, head *models.Head, backbone models.Backbone, path string) error {
	if err := method.save(ctx, m.store, path, head, backbone); err != nil {
		return fmt.Errorf("save %s checkpoint to %s: %w", method.Name(), m.store.Location(path), err)
	}
	logging.FromContext(ctx).Debug("checkpoint saved", "path", m.store.Location(path), "method", method.Name())
	return nil
}

// Load restores the checkpoint at path into head and returns the backbone to
// use from now on: backbone itself for full and frozen methods, a freshly
// built and merged encoder for PEFT methods.
func (m *Manager) Load(ctx context.Context, method Method, head *models.Head, backbone models.Backbone, path string) (models.Backbone, error) {
	ok, err := m.store.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found: %w", m.store.Location(path), errdefs.ErrResource)
	}
	raw, err := m.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	f, err := statefile.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.store.Location(path), err)
	}
	if f.Layout != method.Layout() {
		return nil, fmt.Errorf("checkpoint %s was written with layout %q, %s expects %q: %w",
			m.store.Location(path), f.Layout, method.Name(), method.Layout(), errdefs.ErrCheckpointMismatch)
	}
	loaded, err := method.load(ctx, m.store, f, path, head, backbone, m.factory)
	if err != nil {
		return nil, fmt.Errorf("load %s checkpoint from %s: %w", method.Name(), m.store.Location(path), err)
	}
	total, _ := models.ParamCount(loaded)
	logging.FromContext(ctx).Debug("checkpoint loaded", "path", m.store.Location(path), "method", method.Name(), "param_num", total)
	return loaded, nil
}

func writeFile(ctx context.Context, store artifact.Store, path, layout string, sections map[string]models.StateDict) error {
	data, err := statefile.Marshal(&statefile.File{
		Layout:   layout,
		Created:  time.Now().Unix(),
		Sections: sections,
	})
	if err != nil {
		return err
	}
	return store.Put(ctx, path, data)
}
