package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-plm/errdefs"
)

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
	ctx := context.Background()
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "model.pt", []byte("head")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.Put(ctx, Join("model_lora", "adapter_config.json"), []byte("{}")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := s.Get(ctx, "model.pt")
			if err != nil || string(got) != "head" {
				t.Fatalf("Get = %q, %v", got, err)
			}
			ok, err := s.Exists(ctx, "model_lora/adapter_config.json")
			if err != nil || !ok {
				t.Errorf("Exists = %v, %v; want true", ok, err)
			}
			ok, _ = s.Exists(ctx, "missing.pt")
			if ok {
				t.Error("Exists reported a missing artifact")
			}
			names, err := s.List(ctx, "model_lora")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if diff := cmp.Diff([]string{"model_lora/adapter_config.json"}, names); diff != "" {
				t.Errorf("List mismatch (-want +got):\n%s", diff)
			}
			if _, err := s.Get(ctx, "missing.pt"); !errors.Is(err, errdefs.ErrResource) {
				t.Errorf("Expected resource error, got %v", err)
			}
		})
	}
}

func TestLocalStoreUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewLocalStore(blocker)
	err := s.Put(context.Background(), "model.pt", []byte("x"))
	if !errors.Is(err, errdefs.ErrResource) {
		t.Errorf("Expected resource error writing under a file, got %v", err)
	}
}

func TestOpenLocal(t *testing.T) {
	s, err := Open(context.Background(), "ckpt")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*LocalStore); !ok {
		t.Errorf("Open returned %T, want *LocalStore", s)
	}
	if _, err := Open(context.Background(), "gs:///x"); err == nil {
		t.Error("Expected error for gcs location without bucket")
	}
	if got := Join("a/", "", "/b"); got != "a/b" {
		t.Errorf("Join = %q, want a/b", got)
	}
}
