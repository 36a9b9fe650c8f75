// Package realtime layers live notification on top of the event store:
// per-session pub/sub fired after each commit, a bounded closed-run cache,
// and a persisted pointer to the single active session.
package realtime

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
)

// closedRunCacheCap bounds the in-memory closed-run set. On overflow the
// whole cache is cleared; lookups fall back to the database and re-warm it.
const closedRunCacheCap = 10000

// Subscription is one registered session listener. The caller owns its
// lifetime and must call Unsubscribe.
type Subscription struct {
	overlay   *Overlay
	sessionID string
	fn        func(*eventstore.Event)
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.overlay.mu.Lock()
	defer s.overlay.mu.Unlock()
	if set, ok := s.overlay.listeners[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.overlay.listeners, s.sessionID)
		}
	}
}

// Overlay wraps an event store with publish-after-commit notification.
type Overlay struct {
	store  *eventstore.Store
	logger *zap.Logger

	mu         sync.Mutex
	listeners  map[string]map[*Subscription]struct{}
	closedRuns map[string]struct{}
}

// New wraps store. The overlay does not own the store's lifetime.
func New(store *eventstore.Store, logger *zap.Logger) *Overlay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{
		store:      store,
		logger:     logger,
		listeners:  make(map[string]map[*Subscription]struct{}),
		closedRuns: make(map[string]struct{}),
	}
}

// Store exposes the wrapped event store for read paths that need no
// notification.
func (o *Overlay) Store() *eventstore.Store {
	return o.store
}

// Append persists one event and, after the commit, notifies the session's
// subscribers in registration-independent order.
func (o *Overlay) Append(req eventstore.AppendRequest) (*eventstore.Event, error) {
	event, err := o.store.Append(req)
	if err != nil {
		return nil, err
	}

	if event.Type == eventstore.EventRunClosed && event.RunID != "" {
		o.markRunClosed(event.SessionID, event.RunID)
	}
	o.publish(event)
	return event, nil
}

// Subscribe registers fn for every event persisted to sessionID through this
// overlay. Callbacks run synchronously on the appending goroutine, so they
// see events in seq order.
func (o *Overlay) Subscribe(sessionID string, fn func(*eventstore.Event)) *Subscription {
	sub := &Subscription{overlay: o, sessionID: sessionID, fn: fn}
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.listeners[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		o.listeners[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (o *Overlay) publish(event *eventstore.Event) {
	o.mu.Lock()
	set := o.listeners[event.SessionID]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	o.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

func closedRunKey(sessionID, runID string) string {
	return sessionID + "\x00" + runID
}

func (o *Overlay) markRunClosed(sessionID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.closedRuns) >= closedRunCacheCap {
		o.closedRuns = make(map[string]struct{})
	}
	o.closedRuns[closedRunKey(sessionID, runID)] = struct{}{}
}

// IsAgentRunClosed reports whether the run has a run_closed event. The cache
// answers most lookups; misses hit the database and warm the cache.
func (o *Overlay) IsAgentRunClosed(sessionID, runID string) (bool, error) {
	o.mu.Lock()
	_, cached := o.closedRuns[closedRunKey(sessionID, runID)]
	o.mu.Unlock()
	if cached {
		return true, nil
	}

	events, err := o.store.Query(eventstore.QueryOptions{
		SessionID: sessionID,
		RunID:     runID,
		Types:     []eventstore.EventType{eventstore.EventRunClosed},
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	o.markRunClosed(sessionID, runID)
	return true, nil
}

// DeleteSession removes the session from the store and drops its listeners
// and cached closed runs.
func (o *Overlay) DeleteSession(sessionID string) error {
	if err := o.store.DeleteSession(sessionID); err != nil {
		return err
	}

	prefix := sessionID + "\x00"
	o.mu.Lock()
	delete(o.listeners, sessionID)
	for key := range o.closedRuns {
		if strings.HasPrefix(key, prefix) {
			delete(o.closedRuns, key)
		}
	}
	o.mu.Unlock()
	return nil
}
