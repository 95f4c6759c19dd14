package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/config"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	path := BundlePath("p1", 2)
	assert.Equal(t, "plans/p1/pass-2.json", path)

	ok, err := s.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, path, []byte(`{"a":1}`)))
	require.NoError(t, s.Write(ctx, BundlePath("p1", 1), []byte(`{}`)))

	data, err := s.Read(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	list, err := s.List(ctx, "plans/p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"plans/p1/pass-1.json", "plans/p1/pass-2.json"}, list)

	require.NoError(t, s.Delete(ctx, path))
	_, err = s.Read(ctx, path)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, path), ErrNotFound))
}

func TestLocalStorageStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStorage(root)
	require.NoError(t, err)
	assert.Equal(t, s.resolve("etc/passwd"), s.resolve("../../etc/passwd"))
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Type: "ftp"}, t.TempDir())
	assert.Error(t, err)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "jobgate/", normalizePrefix("/jobgate/"))
}
