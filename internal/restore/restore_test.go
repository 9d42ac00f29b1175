package restore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/access/accesstest"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/db"
	"github.com/hpungsan/tabkeep/internal/engine"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/permission"
	"github.com/hpungsan/tabkeep/internal/session"
)

type fixture struct {
	store    *capstore.Store
	provider *accesstest.Provider
	catalog  *engine.Catalog
	sess     *session.Session
	notes    *notify.Recorder
	orch     *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := time.UnixMilli(10_000)
	fx := &fixture{
		provider: accesstest.New(),
		catalog:  engine.NewCatalog(),
		sess:     session.New(3),
		notes:    &notify.Recorder{},
	}
	fx.store = capstore.New(database, fx.provider, capstore.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	lc := permission.NewLifecycle(fx.store, nil)
	fx.orch = New(fx.store, lc, fx.catalog, fx.sess, WithNotifier(fx.notes))
	return fx
}

// addFile stores a file capability and opens an item bound to it.
func (fx *fixture) addFile(t *testing.T, id, name, data string, modified int64) *accesstest.File {
	t.Helper()
	h, f := fx.provider.AddFile(name, data, modified)
	require.NoError(t, fx.store.Put(context.Background(), capability.ScopeFile, id, name, h))
	return f
}

func (fx *fixture) open(t *testing.T, itemID, capID string, observed int64, dirty bool) {
	t.Helper()
	_, err := fx.sess.Add(session.Item{
		ID:                    itemID,
		Name:                  itemID,
		Content:               "local",
		IsDirty:               dirty,
		CapabilityID:          capID,
		DiskModifiedTimestamp: session.Int64(observed),
	})
	require.NoError(t, err)
}

func (fx *fixture) item(t *testing.T, id string) session.Item {
	t.Helper()
	it, err := fx.sess.Get(id)
	require.NoError(t, err)
	return it
}

func TestRun_RestoresFilesAndDirectories(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.addFile(t, "c1", "orders.csv", "a,b", 100)
	fx.addFile(t, "c2", "users.csv", "x", 100)
	dh, _ := fx.provider.AddDirectory("data", "orders.csv")
	require.NoError(t, fx.store.Put(ctx, capability.ScopeDirectory, "d1", "data", dh))
	fx.open(t, "q1", "c1", 100, false)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Restored)
	assert.Equal(t, 3, summary.Total())

	sources := fx.catalog.Sources()
	require.Len(t, sources, 2, "directories are verified, not registered")
	assert.Equal(t, "orders.csv", sources[0].Name)

	it := fx.item(t, "q1")
	assert.Equal(t, session.StatusHealthy, it.Status)

	notes := fx.notes.Notes()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.Success, notes[0].Severity)
}

func TestRun_DedupesByName(t *testing.T) {
	fx := setup(t)
	fx.addFile(t, "old", "orders.csv", "old", 100)
	fx.addFile(t, "new", "orders.csv", "new", 100)
	fx.open(t, "q-old", "old", 100, false)

	summary, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)
	require.Len(t, summary.Entries, 2)
	assert.Equal(t, "new", summary.Entries[0].ID, "most recently accessed is the representative")
	assert.Equal(t, Duplicate, summary.Entries[1].Result)

	data, ok := fx.catalog.Data("orders.csv")
	require.True(t, ok)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, session.StatusHealthy, fx.item(t, "q-old").Status)
	assert.Equal(t, "local", fx.item(t, "q-old").Content)
}

func TestRun_SameNameDifferentLocations(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	a := fx.addFile(t, "ca", "q.sql", "select 'A'", 500)
	a.Path = "/a/q.sql"
	b := fx.addFile(t, "cb", "q.sql", "select 'B'", 500)
	b.Path = "/b/q.sql"
	fx.open(t, "qa", "ca", 100, false)
	fx.open(t, "qb", "cb", 100, false)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Restored)
	assert.Equal(t, "select 'A'", fx.item(t, "qa").Content)
	assert.Equal(t, "select 'B'", fx.item(t, "qb").Content)

	b.Missing = true
	summary, err = fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evicted)

	qa := fx.item(t, "qa")
	assert.Equal(t, "ca", qa.CapabilityID, "the other file is untouched")
	assert.Equal(t, session.StatusHealthy, qa.Status)
	assert.Empty(t, fx.item(t, "qb").CapabilityID)
}

func TestRun_DuplicateItemsGetStatusOnly(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	old := fx.addFile(t, "old", "q.sql", "old", 500)
	old.Path = "/a/q.sql"
	rep := fx.addFile(t, "new", "q.sql", "new", 500)
	rep.Path = "/a/q.sql"
	fx.open(t, "q-old", "old", 100, false)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)

	it := fx.item(t, "q-old")
	assert.Equal(t, session.StatusHealthy, it.Status)
	assert.Equal(t, "local", it.Content, "only items bound to the representative reload")
	assert.Equal(t, int64(100), *it.DiskModifiedTimestamp)

	rep.Missing = true
	summary, err = fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evicted)

	it = fx.item(t, "q-old")
	assert.Equal(t, "old", it.CapabilityID, "duplicates keep their binding")
	assert.Equal(t, session.StatusFailed, it.Status)
}

func TestRun_EvictsMissingResource(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	f := fx.addFile(t, "c1", "gone.csv", "x", 100)
	f.Missing = true
	fx.open(t, "q1", "c1", 100, true)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evicted)

	_, err = fx.store.Get(ctx, capability.ScopeFile, "c1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	it := fx.item(t, "q1")
	assert.Empty(t, it.CapabilityID)
	assert.Equal(t, session.StatusFailed, it.Status)
	assert.True(t, it.IsDirty, "content is kept")

	again, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total(), "evicted capability does not reappear")
}

func TestRun_NeedsReauthorizationContinuesBatch(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.addFile(t, "c1", "a.csv", "x", 100)
	h, _ := fx.provider.AddFile("b.csv", "y", 100)
	fx.provider.Grant(h, access.ModeRead, access.PermissionPrompt)
	require.NoError(t, fx.store.Put(ctx, capability.ScopeFile, "c2", "b.csv", h))
	fx.open(t, "q2", "c2", 100, false)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)
	assert.Equal(t, 1, summary.NeedsReauth)

	it := fx.item(t, "q2")
	assert.Equal(t, session.StatusNeedsReauthorization, it.Status)

	_, err = fx.store.Get(ctx, capability.ScopeFile, "c2")
	assert.NoError(t, err, "capability kept for later reauthorization")

	notes := fx.notes.Notes()
	require.Len(t, notes, 1, "one aggregate toast")
	assert.Equal(t, notify.Warning, notes[0].Severity)
	assert.Contains(t, notes[0].Message, "1 need permission")
}

func TestRun_RequestWithinGrantSession(t *testing.T) {
	fx := setup(t)
	h, _ := fx.provider.AddFile("b.csv", "y", 100)
	fx.provider.Grant(h, access.ModeRead, access.PermissionPrompt)
	require.NoError(t, fx.store.Put(context.Background(), capability.ScopeFile, "c2", "b.csv", h))
	fx.provider.Prompt = func(string, access.Mode) bool { return true }

	summary, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)
}

func TestRun_TransientFailureKeepsCapability(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	f := fx.addFile(t, "c1", "a.csv", "x", 100)
	f.ReadErr = errors.NewTransientIO("a.csv", assert.AnError)
	fx.open(t, "q1", "c1", 100, false)

	summary, err := fx.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	_, err = fx.store.Get(ctx, capability.ScopeFile, "c1")
	assert.NoError(t, err)
	it := fx.item(t, "q1")
	assert.Equal(t, session.StatusFailed, it.Status)
	assert.Contains(t, it.LastError, assert.AnError.Error())
}

func TestRun_PermissionRevokedMidFlight(t *testing.T) {
	fx := setup(t)
	f := fx.addFile(t, "c1", "a.csv", "x", 100)
	f.ReadErr = errors.NewPermissionDenied("a.csv")

	summary, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NeedsReauth)
}

func TestRun_Idempotent(t *testing.T) {
	fx := setup(t)
	fx.addFile(t, "c1", "a.csv", "x", 100)
	fx.addFile(t, "c2", "a.csv", "x", 100)
	fx.addFile(t, "c3", "b.csv", "y", 100)

	first, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	second, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, first.Entries, second.Entries)
	assert.Len(t, fx.catalog.Sources(), 2)
}

func TestRun_ReloadsCleanItemsOnly(t *testing.T) {
	fx := setup(t)
	fx.addFile(t, "c1", "a.csv", "disk", 500)
	fx.addFile(t, "c2", "b.csv", "disk", 500)
	fx.open(t, "clean", "c1", 100, false)
	fx.open(t, "dirty", "c2", 100, true)

	_, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	clean := fx.item(t, "clean")
	assert.Equal(t, "disk", clean.Content)
	assert.Equal(t, int64(500), *clean.DiskModifiedTimestamp)

	dirty := fx.item(t, "dirty")
	assert.Equal(t, "local", dirty.Content)
	assert.Equal(t, int64(100), *dirty.DiskModifiedTimestamp)
}

func TestRun_EmptyStoreIsQuiet(t *testing.T) {
	fx := setup(t)
	summary, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total())
	assert.Empty(t, fx.notes.Notes())
}

func TestRun_Cancelled(t *testing.T) {
	fx := setup(t)
	fx.addFile(t, "c1", "a.csv", "x", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.orch.Run(ctx)
	assert.Error(t, err)
}
