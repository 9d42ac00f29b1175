// Package tabsync replicates the session between contexts sharing a base
// directory. Each context writes whole snapshots to session.json and merges
// snapshots written by the others as they arrive.
package tabsync

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/db"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/session"
)

const (
	// SnapshotFile is the shared snapshot written under the base directory.
	SnapshotFile = "session.json"

	// ActiveItemKey is the session_meta key holding the active item id.
	ActiveItemKey = "active_item_id"
)

// Synchronizer persists one context's session and merges remote changes into it.
type Synchronizer struct {
	baseDir   string
	db        *sql.DB
	sess      *session.Session
	contextID string
	seq       atomic.Int64
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSeen map[string]int64

	onMerge func([]session.Item)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithContextID overrides the generated context id.
func WithContextID(id string) Option {
	return func(s *Synchronizer) { s.contextID = id }
}

// OnMerge registers a callback invoked with the merged items after every
// applied remote change.
func OnMerge(fn func([]session.Item)) Option {
	return func(s *Synchronizer) { s.onMerge = fn }
}

// New creates a Synchronizer for sess. database holds the active item scalar.
func New(baseDir string, database *sql.DB, sess *session.Session, opts ...Option) (*Synchronizer, error) {
	s := &Synchronizer{
		baseDir:  baseDir,
		db:       database,
		sess:     sess,
		logger:   slog.Default(),
		now:      time.Now,
		lastSeen: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.contextID == "" {
		id, err := ulid.New(ulid.Timestamp(s.now()), ulid.Monotonic(rand.Reader, 0))
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		s.contextID = id.String()
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.NewTransientIO(baseDir, err)
	}
	return s, nil
}

// ContextID identifies this context in the snapshots it writes.
func (s *Synchronizer) ContextID() string {
	return s.contextID
}

// Path returns the snapshot file path.
func (s *Synchronizer) Path() string {
	return filepath.Join(s.baseDir, SnapshotFile)
}

func (s *Synchronizer) lockPath() string {
	return s.Path() + ".lock"
}

// Persist writes the session's snapshot and the active item id.
// Transient item fields are never written.
func (s *Synchronizer) Persist(ctx context.Context) error {
	snap := s.sess.Snapshot()
	snap.WriterID = s.contextID
	snap.Seq = s.seq.Add(1)
	snap.WrittenAt = s.now().UnixMilli()

	data, err := snap.Encode()
	if err != nil {
		return err
	}

	fl := flock.New(s.lockPath())
	if err := fl.Lock(); err != nil {
		return errors.NewTransientIO(s.lockPath(), err)
	}
	defer func() { _ = fl.Unlock() }()

	if err := access.WriteAtomic(s.Path(), data, 0600); err != nil {
		return errors.NewTransientIO(s.Path(), err)
	}

	if active := s.sess.Active(); active != "" {
		err = db.SetMeta(ctx, s.db, ActiveItemKey, active)
	} else {
		err = db.DeleteMeta(ctx, s.db, ActiveItemKey)
	}
	if err != nil {
		return err
	}

	s.logger.Debug("session persisted", "context", s.contextID, "seq", snap.Seq, "items", len(snap.Items))
	return nil
}

// Load reads and validates the shared snapshot. A missing file yields nil.
func (s *Synchronizer) Load() (*session.Snapshot, error) {
	fl := flock.New(s.lockPath())
	if err := fl.RLock(); err != nil {
		return nil, errors.NewTransientIO(s.lockPath(), err)
	}
	data, err := os.ReadFile(s.Path())
	_ = fl.Unlock()

	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewTransientIO(s.Path(), err)
	}
	return session.DecodeSnapshot(data)
}

// Hydrate replaces the session with the shared snapshot and restores the
// active item. It is the reload path: transient state starts empty.
func (s *Synchronizer) Hydrate(ctx context.Context) error {
	snap, err := s.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	s.sess.Replace(snap.Items, true)

	active, ok, err := db.GetMeta(ctx, s.db, ActiveItemKey)
	if err != nil {
		return err
	}
	if ok {
		if err := s.sess.SetActive(active); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	}
	s.logger.Debug("session hydrated", "items", len(snap.Items), "writer", snap.WriterID)
	return nil
}

// OnRemoteChange merges a snapshot from another context into the session and
// returns the merged items. Snapshots written by this context, and snapshots
// older than one already applied from the same writer, are ignored and the
// current items are returned unchanged.
func (s *Synchronizer) OnRemoteChange(snap *session.Snapshot) []session.Item {
	if snap == nil || snap.WriterID == s.contextID {
		return s.sess.Items()
	}
	if snap.WriterID != "" {
		s.mu.Lock()
		if last, ok := s.lastSeen[snap.WriterID]; ok && snap.Seq <= last {
			s.mu.Unlock()
			return s.sess.Items()
		}
		s.lastSeen[snap.WriterID] = snap.Seq
		s.mu.Unlock()
	}

	merged := s.sess.MergeRemote(snap.Items)
	s.logger.Debug("remote session merged", "writer", snap.WriterID, "seq", snap.Seq, "items", len(merged))

	if s.onMerge != nil {
		s.onMerge(merged)
	}
	return merged
}

// Track persists the session after every local mutation. Remote merges are
// not re-broadcast.
func (s *Synchronizer) Track(ctx context.Context) {
	s.sess.Subscribe(func(ev session.Event) {
		if ev.Remote {
			return
		}
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("session persist failed", "event", ev.Kind, "error", err)
		}
	})
}

// Watch observes rewrites of the shared snapshot and merges each one written
// by another context. It blocks until ctx is done.
func (s *Synchronizer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: snapshots are replaced by rename.
	if err := watcher.Add(s.baseDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.baseDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != SnapshotFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.apply()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("snapshot watcher error", "error", err)
		}
	}
}

func (s *Synchronizer) apply() {
	snap, err := s.Load()
	if err != nil {
		// A malformed snapshot never replaces local state.
		s.logger.Warn("ignoring unreadable snapshot", "error", err)
		return
	}
	s.OnRemoteChange(snap)
}
