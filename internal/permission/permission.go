// Package permission layers the permission state machine over capabilities.
//
//	unknown  --query-->            granted | prompt | denied
//	prompt   --request(gesture)--> granted | denied
//	denied   --request(gesture)--> granted | denied
//	granted  --revoked-->          prompt
//
// States are recomputed from the access layer on demand; the last observed
// state is remembered only to report changes.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/capstore"
)

// Event drives a transition.
type Event int

const (
	// EventQuery is a non-interactive permission query.
	EventQuery Event = iota
	// EventRequest is a permission request made from a user gesture.
	EventRequest
	// EventRevoked is an out-of-band revocation observed by a query.
	EventRevoked
)

func (e Event) String() string {
	switch e {
	case EventQuery:
		return "query"
	case EventRequest:
		return "request"
	case EventRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned by Next for events a state does not accept.
type ErrInvalidTransition struct {
	From  access.PermissionState
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid permission transition: %s on %s", e.Event, e.From)
}

// Next applies event to from, given the access layer's answer, and returns the new state.
func Next(from access.PermissionState, ev Event, answer access.PermissionState) (access.PermissionState, error) {
	switch ev {
	case EventQuery:
		switch answer {
		case access.PermissionGranted:
			return access.PermissionGranted, nil
		case access.PermissionDenied:
			if from == access.PermissionGranted {
				return access.PermissionPrompt, nil
			}
			return access.PermissionDenied, nil
		default:
			return access.PermissionPrompt, nil
		}

	case EventRequest:
		switch from {
		case access.PermissionGranted:
			return access.PermissionGranted, nil
		case access.PermissionPrompt, access.PermissionDenied:
			if answer == access.PermissionGranted {
				return access.PermissionGranted, nil
			}
			return access.PermissionDenied, nil
		default:
			return from, &ErrInvalidTransition{From: from, Event: ev}
		}

	case EventRevoked:
		if from == access.PermissionGranted {
			return access.PermissionPrompt, nil
		}
		return from, nil

	default:
		return from, &ErrInvalidTransition{From: from, Event: ev}
	}
}

// Key identifies one capability permission.
type Key struct {
	Scope capability.Scope
	ID    string
	Mode  access.Mode
}

// Change reports a state transition observed by the lifecycle.
type Change struct {
	Key
	From access.PermissionState
	To   access.PermissionState
}

// Lifecycle tracks permission state per capability.
type Lifecycle struct {
	store  *capstore.Store
	logger *slog.Logger

	mu    sync.Mutex
	known map[Key]access.PermissionState
}

// NewLifecycle creates a lifecycle over store.
func NewLifecycle(store *capstore.Store, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:  store,
		logger: logger,
		known:  make(map[Key]access.PermissionState),
	}
}

// Known returns the last observed state for k, or unknown.
func (l *Lifecycle) Known(k Key) access.PermissionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.known[k]
}

// Forget drops the remembered state for every mode of (scope, id).
func (l *Lifecycle) Forget(scope capability.Scope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.known {
		if k.Scope == scope && k.ID == id {
			delete(l.known, k)
		}
	}
}

// Query recomputes the state of k from the access layer.
func (l *Lifecycle) Query(ctx context.Context, k Key) (Change, error) {
	c, err := l.store.Get(ctx, k.Scope, k.ID)
	if err != nil {
		return Change{Key: k}, err
	}
	answer, err := l.store.Provider().QueryPermission(ctx, c.Handle, k.Mode)
	if err != nil {
		return Change{Key: k}, err
	}
	return l.apply(k, EventQuery, answer)
}

// Request queries k and, if not granted, asks the access layer for it.
// Must be called from a user gesture or within the current grant session.
func (l *Lifecycle) Request(ctx context.Context, k Key) (Change, error) {
	queried, err := l.Query(ctx, k)
	if err != nil || queried.To == access.PermissionGranted {
		return queried, err
	}

	c, err := l.store.Get(ctx, k.Scope, k.ID)
	if err != nil {
		return Change{Key: k}, err
	}
	answer, err := l.store.Provider().RequestPermission(ctx, c.Handle, k.Mode)
	if err != nil {
		return Change{Key: k}, err
	}
	change, err := l.apply(k, EventRequest, answer)
	if err != nil {
		return change, err
	}
	change.From = queried.From
	return change, nil
}

func (l *Lifecycle) apply(k Key, ev Event, answer access.PermissionState) (Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.known[k]
	to, err := Next(from, ev, answer)
	if err != nil {
		return Change{Key: k, From: from, To: from}, err
	}
	l.known[k] = to
	if from != to {
		l.logger.Debug("permission transition", "id", k.ID, "scope", k.Scope, "mode", k.Mode,
			"event", ev.String(), "from", from.String(), "to", to.String())
	}
	return Change{Key: k, From: from, To: to}, nil
}
