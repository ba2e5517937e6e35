package artifact

import (
	"context"
	"fmt"
	"strings"
)

// Store reads and writes named artifacts.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the names under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Location renders name as a path or URL for log messages.
	Location(name string) string
	Close() error
}

// Open returns the store for an output location.
func Open(ctx context.Context, location string) (Store, error) {
	if rest, ok := strings.CutPrefix(location, "gs://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid gcs location %q", location)
		}
		return NewGCSStore(ctx, bucket, prefix)
	}
	return NewLocalStore(location), nil
}

// Join builds an artifact name from slash separated parts.
func Join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
