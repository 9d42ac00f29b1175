package workbench

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/autosave"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/config"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/prompt"
	"github.com/hpungsan/tabkeep/internal/restore"
	"github.com/hpungsan/tabkeep/internal/session"
)

func manualConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SaveStrategy = config.StrategyManual
	return cfg
}

func openWorkbench(t *testing.T, baseDir string, opts Options) *Workbench {
	t.Helper()
	opts.BaseDir = baseDir
	if opts.Config == nil {
		opts.Config = manualConfig()
	}
	w, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// touchFuture changes a file out-of-band and moves its mtime forward.
func touchFuture(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestWorkflow_OpenEditSaveReload(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	files := t.TempDir()
	path := writeFile(t, files, "orders.sql", "select 1")

	w := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "orders.sql", item.Name)
	assert.Equal(t, "select 1", item.Content)
	assert.Equal(t, item.ID, item.CapabilityID)

	_, err = w.Edit(item.ID, "select 2")
	require.NoError(t, err)

	res, err := w.Save(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, res.Saved, res.Message)
	assert.True(t, res.Item.HasWritePermission)
	assert.False(t, res.Item.IsDirty)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "select 2", string(data))

	// A new context is a reload: same session, fresh grant session.
	w2 := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	require.Len(t, w2.Items(), 1)
	reloaded := w2.Items()[0]
	assert.Equal(t, "select 2", reloaded.Content)
	assert.Equal(t, session.StatusUnbound, reloaded.Status, "transient state is not carried over")
	assert.Equal(t, item.ID, w2.Session().Active())

	summary, err := w2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)
	require.Len(t, w2.Sources(), 1)
	assert.Equal(t, "orders.sql", w2.Sources()[0].Name)

	healthy, err := w2.Item(item.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusHealthy, healthy.Status)
}

func TestRestore_WithoutGestureNeedsReauthorization(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	path := writeFile(t, t.TempDir(), "a.sql", "select 1")

	w := openWorkbench(t, baseDir, Options{})
	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)

	w2 := openWorkbench(t, baseDir, Options{})
	summary, err := w2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NeedsReauth)

	got, err := w2.Item(item.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusNeedsReauthorization, got.Status)
}

func TestRestore_EvictsDeletedFile(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	path := writeFile(t, t.TempDir(), "gone.sql", "select 1")

	w := openWorkbench(t, baseDir, Options{})
	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	w2 := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	summary, err := w2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evicted)
	assert.Equal(t, restore.Evicted, summary.Entries[0].Result)

	_, err = w2.Store().Get(ctx, capability.ScopeFile, item.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	again, err := w2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total())
}

func TestRestore_SameBasenameInDifferentDirectories(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	pathA := writeFile(t, t.TempDir(), "q.sql", "select 'A1'")
	pathB := writeFile(t, t.TempDir(), "q.sql", "select 'B1'")

	w := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	itemA, err := w.OpenFile(ctx, pathA)
	require.NoError(t, err)
	itemB, err := w.OpenFile(ctx, pathB)
	require.NoError(t, err)

	touchFuture(t, pathA, "select 'A2'")
	touchFuture(t, pathB, "select 'B2'")

	summary, err := w.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Restored)

	gotA, err := w.Item(itemA.ID)
	require.NoError(t, err)
	assert.Equal(t, "select 'A2'", gotA.Content)
	gotB, err := w.Item(itemB.ID)
	require.NoError(t, err)
	assert.Equal(t, "select 'B2'", gotB.Content)

	require.NoError(t, os.Remove(pathB))
	summary, err = w.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evicted)

	gotA, err = w.Item(itemA.ID)
	require.NoError(t, err)
	assert.Equal(t, itemA.ID, gotA.CapabilityID)
	assert.Equal(t, session.StatusHealthy, gotA.Status)
}

func TestOpenFile_CapacityExceededStoresNothing(t *testing.T) {
	ctx := context.Background()
	cfg := manualConfig()
	cfg.MaxItems = 1
	w := openWorkbench(t, t.TempDir(), Options{Config: cfg})
	files := t.TempDir()

	_, err := w.OpenFile(ctx, writeFile(t, files, "a.sql", "a"))
	require.NoError(t, err)

	_, err = w.OpenFile(ctx, writeFile(t, files, "b.sql", "b"))
	assert.True(t, errors.Is(err, errors.ErrCapacityExceeded))

	caps, err := w.Store().ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, caps, 1)
	assert.Len(t, w.Items(), 1)
}

func TestSave_ConflictStaysPendingWithoutChooser(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	w := openWorkbench(t, t.TempDir(), Options{Prompter: prompt.Auto{Allow: true}})

	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	touchFuture(t, path, "select 'theirs'")
	_, err = w.Edit(item.ID, "select 'mine'")
	require.NoError(t, err)

	res, err := w.Save(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Equal(t, autosave.FailureConflict, res.Failure)
	require.NotNil(t, res.Conflict)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "select 'theirs'", string(data), "conflict blocks the write")

	pending := w.Conflicts()
	require.Len(t, pending, 1)

	resolved, err := w.Resolve(ctx, pending[0], conflict.Overwrite, "")
	require.NoError(t, err)
	assert.False(t, resolved.IsDirty)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "select 'mine'", string(data))
	assert.Empty(t, w.Conflicts())
}

func TestSave_ConflictResolvedByChooser(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	w := openWorkbench(t, t.TempDir(), Options{
		Prompter: prompt.Auto{Allow: true},
		Chooser:  prompt.Auto{Choice: conflict.ReloadFromDisk},
	})

	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	touchFuture(t, path, "select 'theirs'")
	_, err = w.Edit(item.ID, "select 'mine'")
	require.NoError(t, err)

	res, err := w.Save(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "reload", res.Resolution)
	assert.Equal(t, "select 'theirs'", res.Item.Content)
	assert.False(t, res.Item.IsDirty)
	assert.Empty(t, w.Conflicts())
}

func TestSaveAs_RebindsItem(t *testing.T) {
	ctx := context.Background()
	files := t.TempDir()
	w := openWorkbench(t, t.TempDir(), Options{})

	item, err := w.NewItem("scratch")
	require.NoError(t, err)
	_, err = w.Edit(item.ID, "select 3")
	require.NoError(t, err)

	target := filepath.Join(files, "saved.sql")
	saved, err := w.SaveAs(ctx, item.ID, target, false)
	require.NoError(t, err)
	assert.Equal(t, "saved.sql", saved.Name)
	assert.NotEmpty(t, saved.CapabilityID)
	assert.False(t, saved.IsDirty)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "select 3", string(data))
}

func TestResolve_SaveAsOntoConflictingFileRefused(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	w := openWorkbench(t, t.TempDir(), Options{Prompter: prompt.Auto{Allow: true}})

	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	_, err = w.Edit(item.ID, "select 'mine'")
	require.NoError(t, err)
	touchFuture(t, path, "select 'theirs'")

	res, err := w.Save(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)

	_, err = w.Resolve(ctx, res.Conflict, conflict.SaveAs, path)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = w.SaveAs(ctx, item.ID, path, true)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "select 'theirs'", string(data))

	got, err := w.Item(item.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDirty)
	assert.Equal(t, "select 'mine'", got.Content)
}

func TestSaveAs_ExistingFileNeedsOverwrite(t *testing.T) {
	ctx := context.Background()
	files := t.TempDir()
	existing := writeFile(t, files, "other.sql", "keep")
	w := openWorkbench(t, t.TempDir(), Options{})

	item, err := w.NewItem("scratch")
	require.NoError(t, err)
	_, err = w.Edit(item.ID, "select 4")
	require.NoError(t, err)

	_, err = w.SaveAs(ctx, item.ID, existing, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	_, err = w.SaveAs(ctx, item.ID, existing, true)
	require.NoError(t, err)
	data, err = os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "select 4", string(data))
}

func TestSave_PermissionRefused(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	rec := &notify.Recorder{}
	w := openWorkbench(t, t.TempDir(), Options{Prompter: prompt.Auto{Allow: false}, Notifier: rec})

	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	_, err = w.Edit(item.ID, "select 2")
	require.NoError(t, err)

	res, err := w.Save(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, autosave.FailurePermission, res.Failure)
	assert.True(t, res.Item.IsDirty)
	assert.NotEmpty(t, rec.Notes())
}

func TestRemoveCapability_UnbindsItems(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	w := openWorkbench(t, t.TempDir(), Options{})

	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	require.NoError(t, w.RemoveCapability(ctx, capability.ScopeFile, item.CapabilityID))

	got, err := w.Item(item.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CapabilityID)

	dir := t.TempDir()
	writeFile(t, dir, "x.csv", "1")
	listing, err := w.OpenDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.csv"}, listing.Entries)

	require.NoError(t, w.ClearCapabilities(ctx))
	caps, err := w.Capabilities(ctx)
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestCapabilities_ReportPermissionState(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "orders.sql", "select 1")
	w := openWorkbench(t, t.TempDir(), Options{})

	_, err := w.OpenFile(ctx, path)
	require.NoError(t, err)

	views, err := w.Capabilities(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, access.PermissionGranted, views[0].Read)
	assert.Equal(t, access.PermissionPrompt, views[0].ReadWrite)
}

func TestWatch_StopsOnCancel(t *testing.T) {
	w := openWorkbench(t, t.TempDir(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestReauthorize(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	path := writeFile(t, t.TempDir(), "a.sql", "select 1")

	w := openWorkbench(t, baseDir, Options{})
	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	unbound, err := w.NewItem("scratch")
	require.NoError(t, err)

	denied := openWorkbench(t, baseDir, Options{})
	got, err := denied.Reauthorize(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusNeedsReauthorization, got.Status)

	granted := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	got, err = granted.Reauthorize(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusHealthy, got.Status)

	got, err = granted.Reauthorize(ctx, unbound.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnbound, got.Status)

	_, err = granted.Reauthorize(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSave_FreshContextStillDetectsConflict(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	path := writeFile(t, t.TempDir(), "a.sql", "select 1")

	w := openWorkbench(t, baseDir, Options{})
	item, err := w.OpenFile(ctx, path)
	require.NoError(t, err)
	_, err = w.Edit(item.ID, "select 2")
	require.NoError(t, err)
	touchFuture(t, path, "changed elsewhere")

	w2 := openWorkbench(t, baseDir, Options{Prompter: prompt.Auto{Allow: true}})
	res, err := w2.Save(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.False(t, res.Saved)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "changed elsewhere", string(data))
}

func TestViews(t *testing.T) {
	w := openWorkbench(t, t.TempDir(), Options{})
	a, err := w.NewItem("a")
	require.NoError(t, err)
	_, err = w.Edit(a.ID, "select 1")
	require.NoError(t, err)
	b, err := w.NewItem("b")
	require.NoError(t, err)

	views := w.Views(false)
	require.Len(t, views, 2)
	assert.Equal(t, a.ID, views[0].ID)
	assert.Equal(t, 8, views[0].Size)
	assert.Nil(t, views[0].Content)
	assert.True(t, views[0].IsDirty)
	assert.False(t, views[0].Active)
	assert.True(t, views[1].Active, "the last opened item is active")
	assert.Equal(t, b.ID, views[1].ID)

	withContent := w.Views(true)
	require.NotNil(t, withContent[0].Content)
	assert.Equal(t, "select 1", *withContent[0].Content)
}
