package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDatabase(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", ".storage")
	f, err := NewFileDatabase(dir)
	require.NoError(t, err)
	defer f.Close()

	t.Run("Missing", func(t *testing.T) {
		_, err := f.GetRecord(ctx, "nothing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, f.SetRecord(ctx, "a.key", []byte(`{"a":1}`)))
		got, err := f.GetRecord(ctx, "a.key")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))

		require.NoError(t, f.SetRecord(ctx, "a.key", []byte(`{"a":2}`)))
		got, err = f.GetRecord(ctx, "a.key")
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(got))
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp-")
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		assert.Error(t, f.SetRecord(ctx, "../escape", []byte("x")))
		_, err := f.GetRecord(ctx, "")
		assert.Error(t, err)
	})
}

func TestFileDatabaseEmptyDir(t *testing.T) {
	_, err := NewFileDatabase("")
	assert.Error(t, err)
}
