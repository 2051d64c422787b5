package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

func TestStore_UploadDownload(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "uploads/s1/j1.pdf", []byte("%PDF-1.7 data"), "application/pdf"))

	data, err := s.Download(ctx, "uploads/s1/j1.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 data"), data)
	assert.Equal(t, "application/pdf", s.ContentType("uploads/s1/j1.pdf"))

	ok, err := s.Exists(ctx, "uploads/s1/j1.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_DownloadMissing(t *testing.T) {
	s := New()
	_, err := s.Download(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_DownloadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "a", []byte("abc"), ""))

	data, err := s.Download(ctx, "a")
	require.NoError(t, err)
	data[0] = 'X'

	again, err := s.Download(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again, "callers must not share the stored buffer")
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "a", []byte("x"), ""))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ListSortsByName(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "vision/j1/output-2.json", []byte("b"), ""))
	require.NoError(t, s.Upload(ctx, "vision/j1/output-1.json", []byte("a"), ""))
	require.NoError(t, s.Upload(ctx, "vision/j2/output-1.json", []byte("c"), ""))

	names, err := s.List(ctx, "vision/j1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vision/j1/output-1.json", "vision/j1/output-2.json"}, names)
}

func TestStore_DeletePrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "vision/j1/output-1.json", []byte("a"), ""))
	require.NoError(t, s.Upload(ctx, "vision/j1/output-2.json", []byte("b"), ""))
	require.NoError(t, s.Upload(ctx, "uploads/s1/j1.pdf", []byte("pdf"), ""))

	require.NoError(t, s.DeletePrefix(ctx, "vision/j1/"))
	assert.Equal(t, 1, s.Len())

	ok, err := s.Exists(ctx, "uploads/s1/j1.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_URI(t *testing.T) {
	s := New()
	assert.Equal(t, "mem://uploads/s1/j1.pdf", s.URI("uploads/s1/j1.pdf"))
}
