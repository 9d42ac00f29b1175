// Package capstore is the durable capability store: a key to opaque-handle
// map persisted in SQLite, with permission queries and reads/writes routed
// through the access layer. No caller outside this package touches a
// resolved handle directly.
package capstore

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/db"
	"github.com/hpungsan/tabkeep/internal/errors"
)

// Store persists capabilities and mediates every access through them.
type Store struct {
	db       *sql.DB
	provider access.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now for lastAccessed stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an initialized database.
func New(database *sql.DB, provider access.Provider, opts ...Option) *Store {
	s := &Store{
		db:       database,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the access layer backing the store.
func (s *Store) Provider() access.Provider {
	return s.provider
}

// Put binds id to handle, replacing any previous binding for id in that scope.
func (s *Store) Put(ctx context.Context, scope capability.Scope, id, name string, h access.Handle) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.NewInvalidRequest("capability id is required")
	}
	if len(h) == 0 {
		return errors.NewInvalidRequest("handle is required")
	}
	c := &capability.Capability{
		ID:           id,
		Name:         name,
		Scope:        scope,
		Handle:       h,
		LastAccessed: s.now().UnixMilli(),
	}
	if err := db.PutCapability(ctx, s.db, c); err != nil {
		return err
	}
	s.logger.Debug("capability stored", "id", id, "name", name, "scope", scope)
	return nil
}

// Get returns the capability stored under id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, scope capability.Scope, id string) (*capability.Capability, error) {
	return db.GetCapability(ctx, s.db, scope, id)
}

// List returns every capability in a scope, most recently accessed first.
func (s *Store) List(ctx context.Context, scope capability.Scope) ([]capability.Capability, error) {
	return db.ListCapabilities(ctx, s.db, scope)
}

// ListAll returns file capabilities followed by directory capabilities.
func (s *Store) ListAll(ctx context.Context) ([]capability.Capability, error) {
	all := make([]capability.Capability, 0)
	for _, scope := range capability.Scopes {
		caps, err := s.List(ctx, scope)
		if err != nil {
			return nil, err
		}
		all = append(all, caps...)
	}
	return all, nil
}

// Remove deletes the capability under id. Removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, scope capability.Scope, id string) error {
	removed, err := db.DeleteCapability(ctx, s.db, scope, id)
	if err != nil {
		return err
	}
	if removed {
		s.logger.Debug("capability removed", "id", id, "scope", scope)
	}
	return nil
}

// Clear removes every capability in both scopes.
func (s *Store) Clear(ctx context.Context) error {
	if err := db.ClearCapabilities(ctx, s.db); err != nil {
		return err
	}
	s.logger.Info("capability store cleared")
	return nil
}

// Touch refreshes lastAccessed for id.
func (s *Store) Touch(ctx context.Context, scope capability.Scope, id string) error {
	return db.TouchCapability(ctx, s.db, scope, id, s.now().UnixMilli())
}

// QueryPermission reports whether mode is currently granted for h.
func (s *Store) QueryPermission(ctx context.Context, h access.Handle, mode access.Mode) (bool, error) {
	state, err := s.provider.QueryPermission(ctx, h, mode)
	if err != nil {
		return false, err
	}
	return state == access.PermissionGranted, nil
}

// RequestPermission asks for mode on h. It may block on a user prompt.
func (s *Store) RequestPermission(ctx context.Context, h access.Handle, mode access.Mode) (bool, error) {
	state, err := s.provider.RequestPermission(ctx, h, mode)
	if err != nil {
		return false, err
	}
	return state == access.PermissionGranted, nil
}

// ReadAll resolves h and returns its full content.
func (s *Store) ReadAll(ctx context.Context, h access.Handle) ([]byte, error) {
	res, err := s.provider.Resolve(ctx, h)
	if err != nil {
		return nil, err
	}
	return res.ReadBytes(ctx)
}

// Read returns the content and modification time of the file capability id,
// refreshing lastAccessed on success.
func (s *Store) Read(ctx context.Context, id string) ([]byte, int64, error) {
	c, err := s.Get(ctx, capability.ScopeFile, id)
	if err != nil {
		return nil, 0, err
	}
	res, err := s.provider.Resolve(ctx, c.Handle)
	if err != nil {
		return nil, 0, err
	}
	data, err := res.ReadBytes(ctx)
	if err != nil {
		return nil, 0, err
	}
	modified, err := res.ModifiedAt(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := s.Touch(ctx, capability.ScopeFile, id); err != nil {
		return nil, 0, err
	}
	return data, modified, nil
}

// ModifiedAt returns the current disk-side modification time of the file capability id.
func (s *Store) ModifiedAt(ctx context.Context, id string) (int64, error) {
	c, err := s.Get(ctx, capability.ScopeFile, id)
	if err != nil {
		return 0, err
	}
	res, err := s.provider.Resolve(ctx, c.Handle)
	if err != nil {
		return 0, err
	}
	return res.ModifiedAt(ctx)
}

// Write stores content through the file capability id. It requests readwrite
// permission when not already granted. A permission refusal returns
// (false, nil) so callers can fall back instead of failing; other failures
// return an error. On success lastAccessed is refreshed; failing to refresh it
// does not turn a landed write into a failure.
func (s *Store) Write(ctx context.Context, id string, content []byte) (bool, error) {
	c, err := s.Get(ctx, capability.ScopeFile, id)
	if err != nil {
		return false, err
	}

	granted, err := s.QueryPermission(ctx, c.Handle, access.ModeReadWrite)
	if err != nil {
		return false, err
	}
	if !granted {
		granted, err = s.RequestPermission(ctx, c.Handle, access.ModeReadWrite)
		if err != nil {
			return false, err
		}
		if !granted {
			s.logger.Info("write permission refused", "id", id, "name", c.Name)
			return false, nil
		}
	}

	res, err := s.provider.Resolve(ctx, c.Handle)
	if err != nil {
		if errors.Classify(err) == errors.ClassPermission {
			return false, nil
		}
		return false, err
	}
	if err := res.Write(ctx, content); err != nil {
		if errors.Classify(err) == errors.ClassPermission {
			return false, nil
		}
		return false, err
	}

	if err := s.Touch(ctx, capability.ScopeFile, id); err != nil {
		s.logger.Warn("touch after write failed", "id", id, "error", err)
	}
	s.logger.Debug("capability written", "id", id, "name", c.Name, "bytes", len(content))
	return true, nil
}
