//go:build cgo

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibsqlDatabase(t *testing.T) {
	ctx := context.Background()
	l, err := NewLibsqlDatabase(ctx, filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.SetRecord(ctx, "k", []byte("one")))
	require.NoError(t, l.SetRecord(ctx, "k", []byte("two")))
	got, err := l.GetRecord(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}
