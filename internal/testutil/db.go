package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore"
)

// NewTestStore opens a migrated SQLite database in a temp dir. It is closed
// when the test ends.
func NewTestStore(t *testing.T) *datastore.Store {
	t.Helper()

	cfg := &conf.DatabaseSettings{Type: conf.DatabaseSQLite}
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "census.db")

	store, err := datastore.Open(cfg)
	require.NoError(t, err, "open test database")
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()), "migrate test database")
	return store
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
