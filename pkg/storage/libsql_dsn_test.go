package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		dsn, err := buildLibsqlDSN("", "libsql://example.turso.io", "token123")
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithoutToken", func(t *testing.T) {
		dsn, err := buildLibsqlDSN("ignored.db", "libsql://example.turso.io", "")
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		dsn, err := buildLibsqlDSN("file:./growatt.db", "", "")
		require.NoError(t, err)
		require.Equal(t, "file:./growatt.db", dsn)
	})

	t.Run("PlainPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN("./growatt.db", "", "")
		require.NoError(t, err)
		require.Equal(t, "file:growatt.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := buildLibsqlDSN("", "", "")
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(":memory:", "", "")
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}
