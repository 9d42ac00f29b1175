// Package autosave writes dirty, capability-bound items back to their
// resources after a quiet period.
//
// Per item: Clean -> (edit) -> Dirty -> (debounce) -> Saving -> Clean,
// or back to Dirty (failure) or ConflictPending (resource changed on disk).
// Failed saves are never retried automatically; a manual save is the retry.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/session"
)

// State is an item's position in the save state machine.
type State int

const (
	Clean State = iota
	Dirty
	Saving
	ConflictPending
)

func (s State) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	case ConflictPending:
		return "conflict-pending"
	default:
		return "clean"
	}
}

// Failure distinguishes why a save did not complete.
type Failure string

const (
	FailureNone       Failure = ""
	FailurePermission Failure = "permission"
	FailureError      Failure = "error"
	FailureConflict   Failure = "conflict"
)

// Outcome reports one save attempt.
type Outcome struct {
	ItemID   string           `json:"item_id"`
	Saved    bool             `json:"saved"`
	Failure  Failure          `json:"failure,omitempty"`
	Message  string           `json:"message,omitempty"`
	Conflict *conflict.Record `json:"conflict,omitempty"`
	Item     session.Item     `json:"item"`
}

// ConflictHandler receives conflicts found while saving.
type ConflictHandler func(*conflict.Record)

// Scheduler debounces saves per item.
type Scheduler struct {
	sess       *session.Session
	store      *capstore.Store
	detector   *conflict.Detector
	notifier   notify.Notifier
	logger     *slog.Logger
	clock      Clock
	debounce   time.Duration
	enabled    bool
	onConflict ConflictHandler

	mu       sync.Mutex
	timers   map[string]Timer
	gens     map[string]uint64
	states   map[string]State
	informed map[string]bool
	locks    map[string]*sync.Mutex
	closed   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithNotifier sets the notification surface.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithConflictHandler sets the callback for conflicts found while saving.
func WithConflictHandler(h ConflictHandler) Option {
	return func(s *Scheduler) { s.onConflict = h }
}

// New creates a Scheduler. enabled reflects the auto save strategy; when
// false only SaveNow writes.
func New(sess *session.Session, store *capstore.Store, detector *conflict.Detector, debounce time.Duration, enabled bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		sess:     sess,
		store:    store,
		detector: detector,
		notifier: notify.Discard{},
		logger:   slog.Default(),
		clock:    realClock{},
		debounce: debounce,
		enabled:  enabled,
		timers:   make(map[string]Timer),
		gens:     make(map[string]uint64),
		states:   make(map[string]State),
		informed: make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach schedules a save after every local edit in the session.
func (s *Scheduler) Attach() {
	s.sess.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventEdited:
			s.Edited(ev.ItemID)
		case session.EventRemoved:
			s.cancel(ev.ItemID)
		}
	})
}

// State returns the current state of an item.
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// Pending reports whether a debounce timer is armed for id.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Edited notes that id changed and (re)starts its debounce timer when the
// item is dirty, bound to a capability and the strategy is auto.
func (s *Scheduler) Edited(id string) {
	item, err := s.sess.Get(id)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !item.IsDirty {
		s.states[id] = Clean
		return
	}
	s.states[id] = Dirty
	if !s.enabled || !item.HasCapability() {
		return
	}

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.gens[id]++
	gen := s.gens[id]
	s.timers[id] = s.clock.AfterFunc(s.debounce, func() { s.fire(id, gen) })
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	if s.closed || s.gens[id] != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	// A started write is not cancelled.
	s.save(context.Background(), id)
}

// cancel disarms any pending timer for id. Callers hold no lock.
func (s *Scheduler) cancel(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.gens[id]++
	s.mu.Unlock()
}

// SaveNow saves id immediately, cancelling any pending debounce so the
// manual and automatic paths never both write.
// Save failures are reported in the Outcome; the error is only for an
// unknown item.
func (s *Scheduler) SaveNow(ctx context.Context, id string) (*Outcome, error) {
	if _, err := s.sess.Get(id); err != nil {
		return nil, err
	}
	s.cancel(id)
	return s.save(ctx, id), nil
}

// Close disarms every pending timer. No write starts after Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
		s.gens[id]++
	}
}

func (s *Scheduler) itemLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Scheduler) setState(id string, st State) {
	s.mu.Lock()
	s.states[id] = st
	s.mu.Unlock()
}

// save runs one attempt: conflict gate, permission, write, bookkeeping.
// At most one save per item runs at a time.
func (s *Scheduler) save(ctx context.Context, id string) *Outcome {
	l := s.itemLock(id)
	l.Lock()
	defer l.Unlock()

	out := &Outcome{ItemID: id}
	item, err := s.sess.Get(id)
	if err != nil {
		out.Failure = FailureError
		out.Message = err.Error()
		return out
	}
	out.Item = item
	if !item.HasCapability() {
		out.Failure = FailureError
		out.Message = "item has no file; use save-as"
		return out
	}

	s.setState(id, Saving)

	rec, err := s.detector.Check(ctx, item, "")
	if err != nil {
		return s.failed(id, item, out, err)
	}
	if rec != nil {
		s.setState(id, ConflictPending)
		out.Failure = FailureConflict
		out.Conflict = rec
		out.Message = fmt.Sprintf("%s changed on disk", item.Name)
		out.Item, _ = s.sess.Update(id, func(it *session.Item) { it.Status = session.StatusConflict })
		s.notifier.Notify(fmt.Sprintf("%s changed on disk since it was opened; choose how to resolve", item.Name), notify.Warning, notify.Long)
		if s.onConflict != nil {
			s.onConflict(rec)
		}
		return out
	}

	s.informOnce(ctx, item)

	ok, err := s.store.Write(ctx, item.CapabilityID, []byte(item.Content))
	if err != nil {
		return s.failed(id, item, out, err)
	}
	if !ok {
		s.setState(id, Dirty)
		out.Failure = FailurePermission
		out.Message = fmt.Sprintf("write permission for %s was not granted", item.Name)
		out.Item, _ = s.sess.Update(id, func(it *session.Item) {
			it.HasWritePermission = false
			it.Status = session.StatusNeedsReauthorization
		})
		s.notifier.Notify(fmt.Sprintf("Could not save %s: permission needed. Save manually to retry.", item.Name), notify.Warning, notify.Long)
		s.logger.Info("autosave permission refused", "item", id)
		return out
	}

	modified, err := s.store.ModifiedAt(ctx, item.CapabilityID)
	if err != nil {
		return s.failed(id, item, out, err)
	}
	now := s.clock.Now().UnixMilli()
	updated, err := s.sess.Update(id, func(it *session.Item) {
		edited := it.Content != item.Content
		it.MarkSaved(modified, now)
		// Edits made while the write was in flight are still unsaved.
		it.IsDirty = edited
	})
	if err != nil {
		return s.failed(id, item, out, err)
	}
	out.Item = updated
	out.Saved = true
	if updated.IsDirty {
		s.setState(id, Dirty)
	} else {
		s.setState(id, Clean)
	}
	s.notifier.Notify(fmt.Sprintf("Saved %s", item.Name), notify.Success, notify.Short)
	s.logger.Debug("item saved", "item", id, "modified", modified)
	return out
}

// informOnce shows a heads-up before the first write of an item that is
// about to trigger a permission prompt.
func (s *Scheduler) informOnce(ctx context.Context, item session.Item) {
	s.mu.Lock()
	done := s.informed[item.ID]
	s.mu.Unlock()
	if done {
		return
	}

	c, err := s.store.Get(ctx, capability.ScopeFile, item.CapabilityID)
	if err != nil {
		return
	}
	granted, err := s.store.QueryPermission(ctx, c.Handle, access.ModeReadWrite)
	if err != nil || granted {
		return
	}

	s.mu.Lock()
	s.informed[item.ID] = true
	s.mu.Unlock()
	s.notifier.Notify(fmt.Sprintf("Saving %s needs write access; you will be asked to allow it.", item.Name), notify.Info, notify.Long)
}

func (s *Scheduler) failed(id string, item session.Item, out *Outcome, err error) *Outcome {
	s.setState(id, Dirty)
	out.Failure = FailureError
	out.Message = err.Error()
	status := session.StatusFailed
	if errors.Classify(err) == errors.ClassPermission {
		out.Failure = FailurePermission
		status = session.StatusNeedsReauthorization
	}
	out.Item, _ = s.sess.Update(id, func(it *session.Item) {
		it.Status = status
		it.LastError = err.Error()
	})
	s.notifier.Notify(fmt.Sprintf("Could not save %s: %v", item.Name, err), notify.Error, notify.Long)
	s.logger.Warn("save failed", "item", id, "error", err)
	return out
}
