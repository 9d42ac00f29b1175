// Package workbench wires one context: the capability store, permission
// lifecycle, session replication, autosave, conflict handling and restore.
package workbench

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/autosave"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/config"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/db"
	"github.com/hpungsan/tabkeep/internal/engine"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/permission"
	"github.com/hpungsan/tabkeep/internal/prompt"
	"github.com/hpungsan/tabkeep/internal/restore"
	"github.com/hpungsan/tabkeep/internal/session"
	"github.com/hpungsan/tabkeep/internal/tabsync"
)

// Options configures a Workbench.
type Options struct {
	BaseDir string
	Config  *config.Config
	Logger  *slog.Logger

	// Notifier shows toasts. Nil discards them.
	Notifier notify.Notifier

	// Prompter stands in for the user gesture behind permission requests.
	// Nil means requests can only succeed within the current grant session.
	Prompter access.Prompter

	// Chooser resolves conflicts as they are found. Nil leaves them pending.
	Chooser prompt.ConflictChooser

	// ContextID overrides the generated context id.
	ContextID string

	// Clock overrides the autosave clock.
	Clock autosave.Clock
}

// Workbench is one context over a shared base directory.
type Workbench struct {
	cfg      *config.Config
	db       *sql.DB
	fs       *access.LocalFS
	store    *capstore.Store
	perms    *permission.Lifecycle
	sess     *session.Session
	syncer   *tabsync.Synchronizer
	detector *conflict.Detector
	resolver *conflict.Resolver
	sched    *autosave.Scheduler
	restorer *restore.Orchestrator
	catalog  *engine.Catalog
	notifier notify.Notifier
	chooser  prompt.ConflictChooser
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*conflict.Record
	resolved map[string]conflict.Choice
}

// Open initializes storage under opts.BaseDir and hydrates the session from
// the shared snapshot. Transient item state starts empty, as after a reload.
func Open(ctx context.Context, opts Options) (*Workbench, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}

	database, err := db.Init(opts.BaseDir)
	if err != nil {
		return nil, err
	}
	db.ConfigurePool(database, cfg)

	var fsOpts []access.LocalFSOption
	if opts.Prompter != nil {
		fsOpts = append(fsOpts, access.WithPrompter(opts.Prompter))
	}

	w := &Workbench{
		cfg:      cfg,
		db:       database,
		fs:       access.NewLocalFS(fsOpts...),
		catalog:  engine.NewCatalog(),
		notifier: notifier,
		chooser:  opts.Chooser,
		logger:   logger,
		pending:  make(map[string]*conflict.Record),
		resolved: make(map[string]conflict.Choice),
	}
	w.store = capstore.New(database, w.fs, capstore.WithLogger(logger))
	w.perms = permission.NewLifecycle(w.store, logger)
	w.sess = session.New(cfg.MaxItems)

	syncOpts := []tabsync.Option{tabsync.WithLogger(logger)}
	if opts.ContextID != "" {
		syncOpts = append(syncOpts, tabsync.WithContextID(opts.ContextID))
	}
	w.syncer, err = tabsync.New(opts.BaseDir, database, w.sess, syncOpts...)
	if err != nil {
		database.Close()
		return nil, err
	}
	if err := w.syncer.Hydrate(ctx); err != nil {
		// An unreadable snapshot starts an empty session rather than failing.
		logger.Warn("session snapshot not restored", "error", err)
	}
	w.syncer.Track(ctx)

	w.detector = conflict.NewDetector(w.store, logger)
	w.resolver = conflict.NewResolver(w.store, w.sess, w.fs, logger)

	schedOpts := []autosave.Option{
		autosave.WithNotifier(notifier),
		autosave.WithLogger(logger),
		autosave.WithConflictHandler(w.onConflict),
	}
	if opts.Clock != nil {
		schedOpts = append(schedOpts, autosave.WithClock(opts.Clock))
	}
	w.sched = autosave.New(w.sess, w.store, w.detector, cfg.AutoSaveDebounce(), cfg.AutoSaveEnabled(), schedOpts...)
	w.sched.Attach()

	w.restorer = restore.New(w.store, w.perms, w.catalog, w.sess,
		restore.WithNotifier(notifier),
		restore.WithLogger(logger))

	return w, nil
}

// Close stops pending autosaves and releases the database.
func (w *Workbench) Close() error {
	w.sched.Close()
	return w.db.Close()
}

// ContextID identifies this context.
func (w *Workbench) ContextID() string { return w.syncer.ContextID() }

// Config returns the effective configuration.
func (w *Workbench) Config() *config.Config { return w.cfg }

// Session exposes the live session.
func (w *Workbench) Session() *session.Session { return w.sess }

// Store exposes the capability store.
func (w *Workbench) Store() *capstore.Store { return w.store }

// Items returns the open items in order.
func (w *Workbench) Items() []session.Item { return w.sess.Items() }

// Item returns one open item.
func (w *Workbench) Item(id string) (session.Item, error) { return w.sess.Get(id) }

// OpenFile grants access to a local file and opens it as a new item bound
// to a capability under the item's id. Fails with CAPACITY_EXCEEDED, storing
// nothing, when the session is full.
func (w *Workbench) OpenFile(ctx context.Context, path string) (session.Item, error) {
	if w.sess.Len() >= w.sess.MaxItems() {
		return session.Item{}, errors.NewCapacityExceeded(w.sess.MaxItems())
	}
	h, err := w.fs.OpenFile(path)
	if err != nil {
		return session.Item{}, err
	}
	id, err := newID()
	if err != nil {
		return session.Item{}, errors.NewInternal(err)
	}
	name := filepath.Base(path)
	if err := w.store.Put(ctx, capability.ScopeFile, id, name, h); err != nil {
		return session.Item{}, err
	}

	data, modified, err := w.store.Read(ctx, id)
	if err != nil {
		_ = w.store.Remove(ctx, capability.ScopeFile, id)
		return session.Item{}, err
	}
	item, err := w.sess.Add(session.Item{
		ID:                    id,
		Name:                  name,
		Content:               string(data),
		CapabilityID:          id,
		DiskModifiedTimestamp: session.Int64(modified),
		Status:                session.StatusHealthy,
	})
	if err != nil {
		_ = w.store.Remove(ctx, capability.ScopeFile, id)
		return session.Item{}, err
	}
	if err := w.sess.SetActive(item.ID); err != nil {
		return item, err
	}
	w.logger.Info("file opened", "item", item.ID, "name", name)
	return item, nil
}

// DirectoryListing is the result of OpenDirectory.
type DirectoryListing struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

// OpenDirectory grants access to a directory and stores a directory
// capability for it.
func (w *Workbench) OpenDirectory(ctx context.Context, path string) (*DirectoryListing, error) {
	h, err := w.fs.OpenDirectory(path)
	if err != nil {
		return nil, err
	}
	id, err := newID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	name := filepath.Base(path)
	if err := w.store.Put(ctx, capability.ScopeDirectory, id, name, h); err != nil {
		return nil, err
	}
	res, err := w.fs.Resolve(ctx, h)
	if err != nil {
		return nil, err
	}
	entries, err := res.List(ctx)
	if err != nil {
		return nil, err
	}
	return &DirectoryListing{ID: id, Name: name, Entries: entries}, nil
}

// NewItem opens an empty, unbound item.
func (w *Workbench) NewItem(name string) (session.Item, error) {
	item, err := w.sess.Add(session.Item{Name: name})
	if err != nil {
		return session.Item{}, err
	}
	if err := w.sess.SetActive(item.ID); err != nil {
		return item, err
	}
	return item, nil
}

// Edit replaces an item's content. Bound items autosave after the debounce
// window when the strategy is auto.
func (w *Workbench) Edit(id, content string) (session.Item, error) {
	return w.sess.Edit(id, content)
}

// CloseItem removes an item from the session. Its capability is kept.
func (w *Workbench) CloseItem(id string) error {
	w.clearPending(id)
	return w.sess.Remove(id)
}

// SaveResult is the outcome of a manual save, including any conflict
// resolution chosen along the way.
type SaveResult struct {
	*autosave.Outcome
	Resolution string `json:"resolution,omitempty"`
}

// Save writes an item now, cancelling any pending autosave. A conflict is
// handed to the chooser, if any; otherwise it stays pending for Resolve.
func (w *Workbench) Save(ctx context.Context, id string) (*SaveResult, error) {
	if _, err := w.Reauthorize(ctx, id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		w.logger.Debug("read access not restored before save", "item", id, "error", err)
	}
	out, err := w.sched.SaveNow(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &SaveResult{Outcome: out}
	if out.Conflict == nil {
		return result, nil
	}

	w.mu.Lock()
	choice, ok := w.resolved[id]
	delete(w.resolved, id)
	w.mu.Unlock()
	if ok {
		result.Resolution = choice.String()
		if item, err := w.sess.Get(id); err == nil {
			result.Item = item
		}
	}
	return result, nil
}

// Reauthorize requests read access to an item's capability, as from a user
// gesture, and updates the item's status with the outcome. Unbound items are
// returned unchanged.
func (w *Workbench) Reauthorize(ctx context.Context, id string) (session.Item, error) {
	item, err := w.sess.Get(id)
	if err != nil {
		return session.Item{}, err
	}
	if !item.HasCapability() {
		return item, nil
	}
	ch, err := w.perms.Request(ctx, permission.Key{Scope: capability.ScopeFile, ID: item.CapabilityID, Mode: access.ModeRead})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return item, err
		}
		return w.sess.Update(id, func(i *session.Item) {
			i.Status = session.StatusFailed
			i.LastError = err.Error()
		})
	}
	return w.sess.Update(id, func(i *session.Item) {
		if ch.To == access.PermissionGranted {
			i.Status = session.StatusHealthy
			i.LastError = ""
			return
		}
		i.Status = session.StatusNeedsReauthorization
		i.HasWritePermission = false
	})
}

// SaveAs writes an item to a new file and binds it there. An existing file
// at path is only replaced when overwrite is set.
func (w *Workbench) SaveAs(ctx context.Context, id, path string, overwrite bool) (session.Item, error) {
	item, err := w.sess.Get(id)
	if err != nil {
		return session.Item{}, err
	}
	rec := &conflict.Record{ItemID: item.ID, ItemName: item.Name, CapabilityID: item.CapabilityID}
	return w.resolver.SaveAs(ctx, rec, path, overwrite)
}

// Conflicts returns the conflicts awaiting a decision.
func (w *Workbench) Conflicts() []*conflict.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*conflict.Record, 0, len(w.pending))
	for _, r := range w.pending {
		out = append(out, r)
	}
	return out
}

// Resolve applies a decision to a conflict. Every choice consumes it.
func (w *Workbench) Resolve(ctx context.Context, rec *conflict.Record, choice conflict.Choice, path string) (session.Item, error) {
	item, err := w.resolver.Apply(ctx, rec, choice, path)
	if err != nil {
		return session.Item{}, err
	}
	w.clearPending(rec.ItemID)
	if choice != conflict.Cancel {
		w.notifier.Notify(fmt.Sprintf("%s: %s", rec.ItemName, choice), notify.Success, notify.Short)
	}
	return item, nil
}

func (w *Workbench) clearPending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// onConflict records the conflict and asks the chooser when one is set.
func (w *Workbench) onConflict(rec *conflict.Record) {
	w.mu.Lock()
	w.pending[rec.ItemID] = rec
	w.mu.Unlock()
	if w.chooser == nil {
		return
	}

	ctx := context.Background()
	choice, path, err := w.chooser.ChooseResolution(ctx, rec)
	if err != nil {
		w.logger.Warn("conflict prompt failed", "item", rec.ItemID, "error", err)
		return
	}
	if _, err := w.Resolve(ctx, rec, choice, path); err != nil {
		w.notifier.Notify(fmt.Sprintf("Could not resolve %s: %v", rec.ItemName, err), notify.Error, notify.Long)
		return
	}
	w.mu.Lock()
	w.resolved[rec.ItemID] = choice
	w.mu.Unlock()
}

// Restore reconciles every stored capability with its resource.
func (w *Workbench) Restore(ctx context.Context) (*restore.Summary, error) {
	return w.restorer.Run(ctx)
}

// Sources lists resources registered with the query engine.
func (w *Workbench) Sources() []engine.Source {
	return w.catalog.Sources()
}

// CapabilityView is a capability with its current permission state.
type CapabilityView struct {
	capability.Capability
	Read      access.PermissionState `json:"read"`
	ReadWrite access.PermissionState `json:"readwrite"`
}

// Capabilities lists stored capabilities with their permission state in
// this context.
func (w *Workbench) Capabilities(ctx context.Context) ([]CapabilityView, error) {
	caps, err := w.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]CapabilityView, 0, len(caps))
	for _, c := range caps {
		v := CapabilityView{Capability: c}
		if ch, err := w.perms.Query(ctx, permission.Key{Scope: c.Scope, ID: c.ID, Mode: access.ModeRead}); err == nil {
			v.Read = ch.To
		}
		if ch, err := w.perms.Query(ctx, permission.Key{Scope: c.Scope, ID: c.ID, Mode: access.ModeReadWrite}); err == nil {
			v.ReadWrite = ch.To
		}
		views = append(views, v)
	}
	return views, nil
}

// RemoveCapability deletes a capability. Items bound to it become unbound.
func (w *Workbench) RemoveCapability(ctx context.Context, scope capability.Scope, id string) error {
	if err := w.store.Remove(ctx, scope, id); err != nil {
		return err
	}
	w.perms.Forget(scope, id)
	if scope != capability.ScopeFile {
		return nil
	}
	for _, it := range w.sess.Items() {
		if it.CapabilityID == id {
			if _, err := w.sess.Update(it.ID, func(i *session.Item) {
				i.CapabilityID = ""
				i.Status = session.StatusUnbound
				i.HasWritePermission = false
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearCapabilities removes every stored capability.
func (w *Workbench) ClearCapabilities(ctx context.Context) error {
	caps, err := w.store.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, c := range caps {
		if err := w.RemoveCapability(ctx, c.Scope, c.ID); err != nil {
			return err
		}
	}
	return w.store.Clear(ctx)
}

// Watch runs this context until ctx is done: merging snapshots written by
// other contexts and polling permission liveness for open items.
func (w *Workbench) Watch(ctx context.Context) error {
	poller := permission.NewPoller(w.perms, w.cfg.PermissionPollInterval(), w.visibleKeys, w.onPermissionChange)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.syncer.Watch(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (w *Workbench) visibleKeys() []permission.Key {
	var keys []permission.Key
	seen := make(map[string]bool)
	for _, it := range w.sess.Items() {
		if !it.HasCapability() || seen[it.CapabilityID] {
			continue
		}
		seen[it.CapabilityID] = true
		keys = append(keys, permission.Key{Scope: capability.ScopeFile, ID: it.CapabilityID, Mode: access.ModeRead})
	}
	return keys
}

func (w *Workbench) onPermissionChange(ch permission.Change) {
	status := session.StatusNeedsReauthorization
	if ch.To == access.PermissionGranted {
		status = session.StatusHealthy
	}
	for _, it := range w.sess.Items() {
		if it.CapabilityID != ch.ID {
			continue
		}
		_, _ = w.sess.Update(it.ID, func(i *session.Item) {
			i.Status = status
			if status != session.StatusHealthy {
				i.HasWritePermission = false
			}
		})
		if ch.From == access.PermissionGranted && ch.To != access.PermissionGranted {
			w.notifier.Notify(fmt.Sprintf("Access to %s was revoked; reopen or restore to grant it again.", it.Name), notify.Warning, notify.Long)
		}
	}
}

func newID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
