// Package gcs stores uploaded PDFs and intermediate OCR output in a Google
// Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Store implements domain.BlobStore on a single bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New builds a Store using application default credentials.
func New(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=gcs.client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// NewWithClient wraps an existing client (tests, custom credentials).
func NewWithClient(client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) Upload(ctx domain.Context, path string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("op=gcs.upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("op=gcs.upload: %w", err)
	}
	return nil
}

func (s *Store) Download(ctx domain.Context, path string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("op=gcs.download: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=gcs.download: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("op=gcs.download: %w", err)
	}
	return data, nil
}

func (s *Store) Exists(ctx domain.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("op=gcs.exists: %w", err)
	}
	return true, nil
}

// Delete removes one object; a missing object is not an error.
func (s *Store) Delete(ctx domain.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("op=gcs.delete: %w", err)
	}
	return nil
}

// List returns object names under prefix in lexicographic order, which for
// OCR output prefixes is also shard order.
func (s *Store) List(ctx domain.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("op=gcs.list: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *Store) DeletePrefix(ctx domain.Context, prefix string) error {
	names, err := s.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("op=gcs.delete_prefix: %w", err)
	}
	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil {
			return fmt.Errorf("op=gcs.delete_prefix: %w", err)
		}
	}
	return nil
}

// URI renders the gs:// form the Vision API consumes.
func (s *Store) URI(path string) string {
	return "gs://" + s.bucket + "/" + path
}
