package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tsawler/go-plm/errdefs"
)

// GCSStore keeps artifacts as objects under a bucket prefix.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore connects to bucketName with application default credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*GCSStore, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{
			storage.ScopeFullControl,
			storage.ScopeReadWrite,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get credentials for storage: %v: %w", err, errdefs.ErrResource)
	}

	client, err := storage.NewGRPCClient(ctx, option.WithAuthCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create storage client: %v: %w", err, errdefs.ErrResource)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
		prefix: Join(prefix),
	}, nil
}

func (s *GCSStore) object(name string) string {
	return Join(s.prefix, name)
}

func (s *GCSStore) Put(ctx context.Context, name string, data []byte) error {
	w := s.bucket.Object(s.object(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %v: %w", s.Location(name), err, errdefs.ErrResource)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %s: %v: %w", s.Location(name), err, errdefs.ErrResource)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(s.object(name)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", s.Location(name), err, errdefs.ErrResource)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", s.Location(name), err, errdefs.ErrResource)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucket.Object(s.object(name)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %v: %w", s.Location(name), err, errdefs.ErrResource)
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.object(prefix)
	if s.prefix != "" && prefix == "" {
		full += "/"
	}
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: full})
	var names []string
	for {
		attrs, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("list %s: %v: %w", s.Location(prefix), err, errdefs.ErrResource)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = name[len(s.prefix)+1:]
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSStore) Location(name string) string {
	return "gs://" + s.name + "/" + s.object(name)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
