package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPutGetCapability(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	c := &capability.Capability{ID: "q1", Name: "orders.csv", Scope: capability.ScopeFile, Handle: []byte("h1"), LastAccessed: 100}
	require.NoError(t, PutCapability(ctx, database, c))

	got, err := GetCapability(ctx, database, capability.ScopeFile, "q1")
	require.NoError(t, err)
	require.Equal(t, "orders.csv", got.Name)
	require.Equal(t, []byte("h1"), []byte(got.Handle))
	require.Equal(t, int64(100), got.LastAccessed)
	require.Equal(t, capability.ScopeFile, got.Scope)

	// Same id replaces the binding; at most one capability per id.
	c.Handle = []byte("h2")
	c.LastAccessed = 200
	require.NoError(t, PutCapability(ctx, database, c))

	all, err := ListCapabilities(ctx, database, capability.ScopeFile)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, []byte("h2"), []byte(all[0].Handle))
}

func TestGetCapability_NotFound(t *testing.T) {
	database := openTestDB(t)

	_, err := GetCapability(context.Background(), database, capability.ScopeFile, "missing")
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	require.NoError(t, PutCapability(ctx, database, &capability.Capability{ID: "x", Name: "data", Scope: capability.ScopeDirectory, Handle: []byte("d"), LastAccessed: 1}))

	_, err := GetCapability(ctx, database, capability.ScopeFile, "x")
	require.True(t, errors.Is(err, errors.ErrNotFound))

	dirs, err := ListCapabilities(ctx, database, capability.ScopeDirectory)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
}

func TestListCapabilities_OrderedByLastAccessed(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, PutCapability(ctx, database, &capability.Capability{
			ID: id, Name: id, Scope: capability.ScopeFile, Handle: []byte(id), LastAccessed: int64(i),
		}))
	}

	all, err := ListCapabilities(ctx, database, capability.ScopeFile)
	require.NoError(t, err)
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "a", all[2].ID)
}

func TestDeleteAndClearCapabilities(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	require.NoError(t, PutCapability(ctx, database, &capability.Capability{ID: "a", Name: "a", Scope: capability.ScopeFile, Handle: []byte("a")}))
	require.NoError(t, PutCapability(ctx, database, &capability.Capability{ID: "d", Name: "d", Scope: capability.ScopeDirectory, Handle: []byte("d")}))

	removed, err := DeleteCapability(ctx, database, capability.ScopeFile, "a")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = DeleteCapability(ctx, database, capability.ScopeFile, "a")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, ClearCapabilities(ctx, database))
	dirs, err := ListCapabilities(ctx, database, capability.ScopeDirectory)
	require.NoError(t, err)
	require.Empty(t, dirs)
}

func TestTouchCapability(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	require.NoError(t, PutCapability(ctx, database, &capability.Capability{ID: "a", Name: "a", Scope: capability.ScopeFile, Handle: []byte("a"), LastAccessed: 1}))
	require.NoError(t, TouchCapability(ctx, database, capability.ScopeFile, "a", 42))

	got, err := GetCapability(ctx, database, capability.ScopeFile, "a")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.LastAccessed)

	err = TouchCapability(ctx, database, capability.ScopeFile, "missing", 42)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestUnknownScope(t *testing.T) {
	_, err := ListCapabilities(context.Background(), openTestDB(t), capability.Scope("bogus"))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	_, ok, err := GetMeta(ctx, database, "active_item_id")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SetMeta(ctx, database, "active_item_id", "q1"))
	require.NoError(t, SetMeta(ctx, database, "active_item_id", "q2"))

	value, ok, err := GetMeta(ctx, database, "active_item_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "q2", value)

	require.NoError(t, DeleteMeta(ctx, database, "active_item_id"))
	_, ok, err = GetMeta(ctx, database, "active_item_id")
	require.NoError(t, err)
	require.False(t, ok)
}
