package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/tabkeep/internal/errors"
)

// EventKind describes a session mutation.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventEdited   EventKind = "edited"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
	EventActive   EventKind = "active"
	EventReplaced EventKind = "replaced"
)

// Event is delivered to subscribers after every mutation.
type Event struct {
	Kind   EventKind
	ItemID string
	// Remote is true when the mutation came from another context's snapshot.
	Remote bool
}

// Session is the ordered, bounded set of open items for one context.
// It is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	items     []Item
	activeID  string
	maxItems  int
	now       func() int64
	listeners []func(Event)
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the millisecond clock used to stamp edits.
func WithClock(now func() int64) Option {
	return func(s *Session) { s.now = now }
}

// New creates an empty session bounded by maxItems.
func New(maxItems int, opts ...Option) *Session {
	s := &Session{
		maxItems: maxItems,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxItems returns the configured bound.
func (s *Session) MaxItems() int {
	return s.maxItems
}

// Subscribe registers fn to be called after each mutation.
// Callbacks run outside the session lock.
func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Add appends an item, assigning an id and a write timestamp when missing.
// Returns CAPACITY_EXCEEDED without modifying the session when full.
func (s *Session) Add(item Item) (Item, error) {
	s.mu.Lock()
	if len(s.items) >= s.maxItems {
		s.mu.Unlock()
		return Item{}, errors.NewCapacityExceeded(s.maxItems)
	}
	if item.ID == "" {
		id, err := newID()
		if err != nil {
			s.mu.Unlock()
			return Item{}, errors.NewInternal(err)
		}
		item.ID = id
	}
	if s.indexLocked(item.ID) >= 0 {
		s.mu.Unlock()
		return Item{}, errors.NewInvalidRequest("item already open: " + item.ID)
	}
	if item.LastWriteTimestamp == nil {
		item.LastWriteTimestamp = Int64(s.now())
	}
	item = item.Clone()
	s.items = append(s.items, item)
	if s.activeID == "" {
		s.activeID = item.ID
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventAdded, ItemID: item.ID})
	return item.Clone(), nil
}

// Get returns a copy of the item with the given id.
func (s *Session) Get(id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Item{}, errors.NewNotFound(id)
	}
	return s.items[i].Clone(), nil
}

// Items returns a copy of every item in order.
func (s *Session) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.items)
}

// Len returns the number of open items.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Edit replaces an item's content, marks it dirty and stamps the write time.
func (s *Session) Edit(id, content string) (Item, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Item{}, errors.NewNotFound(id)
	}
	it := &s.items[i]
	it.Content = content
	it.IsDirty = true
	it.LastWriteTimestamp = Int64(s.now())
	out := it.Clone()
	s.mu.Unlock()

	s.emit(Event{Kind: EventEdited, ItemID: id})
	return out, nil
}

// Update applies fn to the item under the session lock.
// fn must not call back into the session.
func (s *Session) Update(id string, fn func(*Item)) (Item, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Item{}, errors.NewNotFound(id)
	}
	fn(&s.items[i])
	s.items[i].ID = id
	out := s.items[i].Clone()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, ItemID: id})
	return out, nil
}

// Remove closes an item. The active item moves to the first remaining one.
func (s *Session) Remove(id string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return errors.NewNotFound(id)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	if s.activeID == id {
		s.activeID = ""
		if len(s.items) > 0 {
			s.activeID = s.items[0].ID
		}
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventRemoved, ItemID: id})
	return nil
}

// Active returns the active item id, or "" when the session is empty.
func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// SetActive selects the active item.
func (s *Session) SetActive(id string) error {
	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return errors.NewNotFound(id)
	}
	s.activeID = id
	s.mu.Unlock()

	s.emit(Event{Kind: EventActive, ItemID: id})
	return nil
}

// Replace swaps in a whole item set, typically the result of Merge.
// Sets larger than the bound are truncated. remote marks the event as
// originating from another context.
func (s *Session) Replace(items []Item, remote bool) {
	s.mu.Lock()
	s.replaceLocked(cloneItems(items))
	s.mu.Unlock()

	s.emit(Event{Kind: EventReplaced, Remote: remote})
}

// MergeRemote merges items from another context's snapshot into the session
// and returns the result. Reading the current items, merging and storing the
// result happen under one lock, so no local mutation is lost in between.
func (s *Session) MergeRemote(remote []Item) []Item {
	s.mu.Lock()
	merged := Merge(s.items, remote, s.maxItems)
	s.replaceLocked(merged)
	out := cloneItems(s.items)
	s.mu.Unlock()

	s.emit(Event{Kind: EventReplaced, Remote: true})
	return out
}

func (s *Session) replaceLocked(next []Item) {
	if len(next) > s.maxItems {
		next = next[:s.maxItems]
	}
	s.items = next
	if s.indexLocked(s.activeID) < 0 {
		s.activeID = ""
		if len(s.items) > 0 {
			s.activeID = s.items[0].ID
		}
	}
}

// Snapshot returns the persistable projection of the session.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{Version: SnapshotVersion, Items: make([]Item, len(s.items))}
	for i, it := range s.items {
		snap.Items[i] = it.Clone().Strip()
	}
	return snap
}

func (s *Session) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func newID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
