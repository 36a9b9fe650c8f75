package store

import "sync"

// NotificationKind classifies what woke a subscriber.
type NotificationKind int

const (
	// NotifyMessages means new records were appended.
	NotifyMessages NotificationKind = iota
	// NotifyClosed means the stream was closed.
	NotifyClosed
	// NotifyDeleted means the stream was deleted.
	NotifyDeleted
)

// Notification is delivered at most once per subscription.
type Notification struct {
	Path string
	Kind NotificationKind
}

// subscriberSet implements one-shot wake-ups for waiting readers. A fired
// subscription is removed; the reader re-reads and re-subscribes if it still
// wants more. This keeps the set free of slow-consumer bookkeeping.
type subscriberSet struct {
	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[string]map[chan Notification]struct{})}
}

// subscribe registers a waiter on path. The returned cancel is idempotent
// and safe to call after the notification fired.
func (s *subscriberSet) subscribe(path string) (<-chan Notification, func()) {
	ch := make(chan Notification, 1)

	s.mu.Lock()
	set, ok := s.subs[path]
	if !ok {
		set = make(map[chan Notification]struct{})
		s.subs[path] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if set, ok := s.subs[path]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.subs, path)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// notify fires and removes every subscriber on path. The channel buffer
// guarantees the send never blocks.
func (s *subscriberSet) notify(path string, kind NotificationKind) {
	s.mu.Lock()
	set := s.subs[path]
	delete(s.subs, path)
	s.mu.Unlock()

	for ch := range set {
		ch <- Notification{Path: path, Kind: kind}
	}
}
