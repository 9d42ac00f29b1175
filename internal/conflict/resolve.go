package conflict

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/session"
)

// Choice is a conflict resolution. The zero value is Cancel, so an
// unanswered or dismissed prompt never picks a destructive option.
type Choice int

const (
	Cancel Choice = iota
	Overwrite
	ReloadFromDisk
	SaveAs
)

// Choices lists every resolution in display order, non-destructive first.
var Choices = []Choice{Cancel, SaveAs, ReloadFromDisk, Overwrite}

func (c Choice) String() string {
	switch c {
	case Overwrite:
		return "overwrite"
	case ReloadFromDisk:
		return "reload"
	case SaveAs:
		return "save-as"
	default:
		return "cancel"
	}
}

// Destructive reports whether the choice discards one side's content.
func (c Choice) Destructive() bool {
	return c == Overwrite || c == ReloadFromDisk
}

// ParseChoice parses a resolution name as printed by String.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cancel":
		return Cancel, nil
	case "overwrite":
		return Overwrite, nil
	case "reload", "reload-from-disk":
		return ReloadFromDisk, nil
	case "save-as", "saveas":
		return SaveAs, nil
	}
	return Cancel, errors.NewInvalidRequest(fmt.Sprintf("unknown resolution %q", s))
}

// Creator mints a handle for a new resource, like a save picker.
type Creator interface {
	CreateFile(path string, overwrite bool) (access.Handle, error)
}

// Resolver applies resolutions to session items.
type Resolver struct {
	store   *capstore.Store
	sess    *session.Session
	creator Creator
	logger  *slog.Logger
	now     func() int64
}

// NewResolver creates a Resolver. creator may be nil when SaveAs is unavailable.
func NewResolver(store *capstore.Store, sess *session.Session, creator Creator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		sess:    sess,
		creator: creator,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Apply dispatches on choice. path is only used by SaveAs, which never
// replaces an existing file from here.
func (r *Resolver) Apply(ctx context.Context, rec *Record, choice Choice, path string) (session.Item, error) {
	switch choice {
	case Overwrite:
		return r.Overwrite(ctx, rec)
	case ReloadFromDisk:
		return r.ReloadFromDisk(ctx, rec)
	case SaveAs:
		return r.SaveAs(ctx, rec, path, false)
	default:
		return r.Cancel(rec)
	}
}

// Overwrite forces the local content onto the resource and refreshes both
// timestamps.
func (r *Resolver) Overwrite(ctx context.Context, rec *Record) (session.Item, error) {
	item, err := r.sess.Get(rec.ItemID)
	if err != nil {
		return session.Item{}, err
	}
	if err := r.write(ctx, rec.CapabilityID, item.Content); err != nil {
		return session.Item{}, err
	}
	r.logger.Info("conflict resolved", "item", rec.ItemID, "choice", Overwrite)
	return r.markSaved(ctx, rec.ItemID, rec.CapabilityID, "")
}

// ReloadFromDisk discards local content in favour of the resource.
func (r *Resolver) ReloadFromDisk(ctx context.Context, rec *Record) (session.Item, error) {
	data, modified, err := r.store.Read(ctx, rec.CapabilityID)
	if err != nil {
		return session.Item{}, err
	}
	now := r.now()
	item, err := r.sess.Update(rec.ItemID, func(it *session.Item) {
		it.Content = string(data)
		it.IsDirty = false
		it.DiskModifiedTimestamp = session.Int64(modified)
		it.LastWriteTimestamp = session.Int64(now)
		it.Status = session.StatusHealthy
		it.LastError = ""
	})
	if err != nil {
		return session.Item{}, err
	}
	r.logger.Info("conflict resolved", "item", rec.ItemID, "choice", ReloadFromDisk)
	return item, nil
}

// SaveAs writes local content to a new resource at path and rebinds the
// item to a new capability. The conflicting resource is left untouched:
// path may not name it, and any other existing file is refused unless
// overwrite is set.
func (r *Resolver) SaveAs(ctx context.Context, rec *Record, path string, overwrite bool) (session.Item, error) {
	if r.creator == nil {
		return session.Item{}, errors.NewInvalidRequest("save-as is not available")
	}
	if strings.TrimSpace(path) == "" {
		return session.Item{}, errors.NewInvalidRequest("save-as requires a path")
	}
	item, err := r.sess.Get(rec.ItemID)
	if err != nil {
		return session.Item{}, err
	}
	if r.sameResource(ctx, rec.CapabilityID, path) {
		return session.Item{}, errors.NewInvalidRequest("save-as target is the file being saved: " + path)
	}

	h, err := r.creator.CreateFile(path, overwrite)
	if err != nil {
		return session.Item{}, err
	}
	capID, err := newCapabilityID()
	if err != nil {
		return session.Item{}, errors.NewInternal(err)
	}
	name := filepath.Base(path)
	if err := r.store.Put(ctx, capability.ScopeFile, capID, name, h); err != nil {
		return session.Item{}, err
	}
	if err := r.write(ctx, capID, item.Content); err != nil {
		return session.Item{}, err
	}
	r.logger.Info("conflict resolved", "item", rec.ItemID, "choice", SaveAs, "capability", capID)
	return r.markSaved(ctx, rec.ItemID, capID, name)
}

// sameResource reports whether path is where capID's resource lives.
func (r *Resolver) sameResource(ctx context.Context, capID, path string) bool {
	if capID == "" {
		return false
	}
	d, ok := r.store.Provider().(access.Describer)
	if !ok {
		return false
	}
	c, err := r.store.Get(ctx, capability.ScopeFile, capID)
	if err != nil {
		return false
	}
	_, loc, err := d.Describe(c.Handle)
	if err != nil {
		return false
	}
	return cleanAbs(loc) == cleanAbs(path)
}

func cleanAbs(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Cancel drops the conflict. The item stays dirty; the next save detects
// the conflict again.
func (r *Resolver) Cancel(rec *Record) (session.Item, error) {
	r.logger.Debug("conflict dismissed", "item", rec.ItemID)
	return r.sess.Get(rec.ItemID)
}

func (r *Resolver) write(ctx context.Context, capID, content string) error {
	ok, err := r.store.Write(ctx, capID, []byte(content))
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewPermissionDenied(capID)
	}
	return nil
}

// markSaved records a successful write: clean, write permission held, and
// both timestamps refreshed from the resource. A non-empty name renames the
// item and rebinds it to capID.
func (r *Resolver) markSaved(ctx context.Context, itemID, capID, name string) (session.Item, error) {
	modified, err := r.store.ModifiedAt(ctx, capID)
	if err != nil {
		return session.Item{}, err
	}
	now := r.now()
	return r.sess.Update(itemID, func(it *session.Item) {
		if name != "" {
			it.Name = name
			it.CapabilityID = capID
		}
		it.MarkSaved(modified, now)
	})
}

func newCapabilityID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
