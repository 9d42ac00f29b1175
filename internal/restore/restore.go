// Package restore reconciles every stored capability against the current
// state of its resource when a context starts.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/engine"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/permission"
	"github.com/hpungsan/tabkeep/internal/session"
)

// Result is the outcome for one capability.
type Result string

const (
	Restored    Result = "restored"
	NeedsReauth Result = "needs-reauthorization"
	Failed      Result = "failed"
	Evicted     Result = "evicted"
	Duplicate   Result = "duplicate"
)

// Entry reports what happened to one capability.
type Entry struct {
	Scope  capability.Scope `json:"scope"`
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Result Result           `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// Summary aggregates one restore pass.
type Summary struct {
	Restored    int     `json:"restored"`
	NeedsReauth int     `json:"needs_reauthorization"`
	Failed      int     `json:"failed"`
	Evicted     int     `json:"evicted"`
	Entries     []Entry `json:"entries"`
}

func (s *Summary) add(e Entry) {
	switch e.Result {
	case Restored:
		s.Restored++
	case NeedsReauth:
		s.NeedsReauth++
	case Failed:
		s.Failed++
	case Evicted:
		s.Evicted++
	}
	s.Entries = append(s.Entries, e)
}

// Total counts processed capabilities, excluding duplicates.
func (s *Summary) Total() int {
	return s.Restored + s.NeedsReauth + s.Failed + s.Evicted
}

// Message renders the aggregate toast.
func (s *Summary) Message() string {
	parts := []string{fmt.Sprintf("Restored %d of %d", s.Restored, s.Total())}
	if s.NeedsReauth > 0 {
		parts = append(parts, fmt.Sprintf("%d need permission", s.NeedsReauth))
	}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	if s.Evicted > 0 {
		parts = append(parts, fmt.Sprintf("%d no longer exist", s.Evicted))
	}
	return strings.Join(parts, ", ")
}

// Orchestrator runs restore passes.
type Orchestrator struct {
	store     *capstore.Store
	lifecycle *permission.Lifecycle
	registrar engine.Registrar
	sess      *session.Session
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where the aggregate summary is shown.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. sess may be nil when no items are open.
func New(store *capstore.Store, lc *permission.Lifecycle, registrar engine.Registrar, sess *session.Session, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		lifecycle: lc,
		registrar: registrar,
		sess:      sess,
		notifier:  notify.Discard{},
		logger:    slog.Default(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes every stored capability, one at a time. Capabilities that
// refer to the same resource within a scope are restored once, using the most
// recently accessed. The resource is identified by its location when the
// provider can describe handles, and by name otherwise.
// Per-capability failures are recorded and never abort the pass; the error
// is only for listing failures or cancellation.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	caps, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	// Lists are most recently accessed first, so the first capability seen
	// for a resource is the representative.
	var groups []group
	index := make(map[string]int)
	for _, c := range caps {
		key := string(c.Scope) + "\x00" + o.resourceKey(c)
		if i, ok := index[key]; ok {
			groups[i].dups = append(groups[i].dups, c)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, group{rep: c})
	}

	summary := &Summary{Entries: make([]Entry, 0, len(caps))}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.add(o.restoreOne(ctx, g))
		for _, d := range g.dups {
			summary.add(Entry{Scope: d.Scope, ID: d.ID, Name: d.Name, Result: Duplicate})
		}
	}

	if summary.Total() > 0 {
		sev := notify.Success
		if summary.NeedsReauth > 0 || summary.Failed > 0 || summary.Evicted > 0 {
			sev = notify.Warning
		}
		o.notifier.Notify(summary.Message(), sev, notify.Long)
	}
	o.logger.Info("restore complete",
		"restored", summary.Restored,
		"needs_reauth", summary.NeedsReauth,
		"failed", summary.Failed,
		"evicted", summary.Evicted)
	return summary, nil
}

// group is one distinct resource with every capability referring to it.
type group struct {
	rep  capability.Capability
	dups []capability.Capability
}

func (g group) isDup(id string) bool {
	for _, d := range g.dups {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) resourceKey(c capability.Capability) string {
	if d, ok := o.store.Provider().(access.Describer); ok {
		if _, loc, err := d.Describe(c.Handle); err == nil && loc != "" {
			return loc
		}
	}
	return c.Name
}

func (o *Orchestrator) restoreOne(ctx context.Context, g group) Entry {
	c := g.rep
	entry := Entry{Scope: c.Scope, ID: c.ID, Name: c.Name}
	key := permission.Key{Scope: c.Scope, ID: c.ID, Mode: access.ModeRead}

	change, err := o.lifecycle.Request(ctx, key)
	if err != nil {
		return o.classify(ctx, g, entry, err)
	}
	if change.To != access.PermissionGranted {
		entry.Result = NeedsReauth
		o.markItems(g, needsReauth, needsReauth)
		return entry
	}

	res, err := o.store.Provider().Resolve(ctx, c.Handle)
	if err != nil {
		return o.classify(ctx, g, entry, err)
	}

	if c.Scope == capability.ScopeDirectory {
		if _, err := res.List(ctx); err != nil {
			return o.classify(ctx, g, entry, err)
		}
		return o.restored(ctx, c, entry)
	}

	data, err := res.ReadBytes(ctx)
	if err != nil {
		return o.classify(ctx, g, entry, err)
	}
	modified, err := res.ModifiedAt(ctx)
	if err != nil {
		return o.classify(ctx, g, entry, err)
	}
	if err := o.registrar.Register(ctx, c.Name, data); err != nil {
		return o.classify(ctx, g, entry, err)
	}

	writable, err := o.store.QueryPermission(ctx, c.Handle, access.ModeReadWrite)
	if err != nil {
		o.logger.Debug("write permission query after restore failed", "id", c.ID, "error", err)
	}
	healthy := func(it *session.Item) {
		it.Status = session.StatusHealthy
		it.LastError = ""
		it.HasWritePermission = writable
	}
	now := o.now()
	o.markItems(g, func(it *session.Item) {
		healthy(it)
		// Clean items follow the file; dirty ones keep their edits and
		// meet the change at the next conflict check.
		if !it.IsDirty && (it.DiskModifiedTimestamp == nil || modified > *it.DiskModifiedTimestamp) {
			it.Content = string(data)
			it.DiskModifiedTimestamp = session.Int64(modified)
			it.LastWriteTimestamp = session.Int64(now)
		}
	}, healthy)
	return o.restored(ctx, c, entry)
}

func (o *Orchestrator) restored(ctx context.Context, c capability.Capability, entry Entry) Entry {
	if err := o.store.Touch(ctx, c.Scope, c.ID); err != nil {
		o.logger.Debug("touch after restore failed", "id", c.ID, "error", err)
	}
	entry.Result = Restored
	return entry
}

// classify records a failure as exactly one of permission, not-found or other.
func (o *Orchestrator) classify(ctx context.Context, g group, entry Entry, err error) Entry {
	c := g.rep
	entry.Error = err.Error()
	switch errors.Classify(err) {
	case errors.ClassPermission:
		entry.Result = NeedsReauth
		o.markItems(g, needsReauth, needsReauth)
	case errors.ClassNotFound:
		// Keeping a capability whose resource is gone fails the same way forever.
		entry.Result = Evicted
		if rmErr := o.store.Remove(ctx, c.Scope, c.ID); rmErr != nil {
			o.logger.Warn("evicting stale capability failed", "id", c.ID, "error", rmErr)
		}
		o.lifecycle.Forget(c.Scope, c.ID)
		gone := func(it *session.Item) {
			it.Status = session.StatusFailed
			it.LastError = fmt.Sprintf("%s no longer exists", c.Name)
			it.HasWritePermission = false
		}
		o.markItems(g, func(it *session.Item) {
			gone(it)
			it.CapabilityID = ""
		}, gone)
	default:
		entry.Result = Failed
		failed := func(it *session.Item) {
			it.Status = session.StatusFailed
			it.LastError = err.Error()
		}
		o.markItems(g, failed, failed)
	}
	o.logger.Info("capability not restored", "id", c.ID, "name", c.Name, "result", entry.Result, "error", err)
	return entry
}

func needsReauth(it *session.Item) {
	it.Status = session.StatusNeedsReauthorization
	it.HasWritePermission = false
}

// markItems applies fn to open items bound to the representative and status
// to items bound to one of its duplicates. Content and bindings only ever
// change through the representative's own id.
func (o *Orchestrator) markItems(g group, fn, status func(*session.Item)) {
	if o.sess == nil || g.rep.Scope != capability.ScopeFile {
		return
	}
	for _, it := range o.sess.Items() {
		switch {
		case it.CapabilityID == "":
		case it.CapabilityID == g.rep.ID:
			_, _ = o.sess.Update(it.ID, fn)
		case g.isDup(it.CapabilityID):
			_, _ = o.sess.Update(it.ID, status)
		}
	}
}
