package webhook

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/streamhouse/streamhouse/engine"
)

// ErrSubscriptionMismatch means a subscription id was re-registered with a
// different pattern or URL.
var ErrSubscriptionMismatch = errors.New("subscription already exists with different configuration")

// Registry holds the in-memory subscription and consumer state. Nothing here
// survives a restart: consumers are re-created the next time a matching
// stream sees traffic.
type Registry struct {
	mu sync.RWMutex

	subscriptions map[string]*Subscription
	consumers     map[string]*Consumer
	bySub         map[string]map[string]struct{} // subscription id -> consumer ids
	byStream      map[string]map[string]struct{} // stream path -> consumer ids
}

func NewRegistry() *Registry {
	return &Registry{
		subscriptions: make(map[string]*Subscription),
		consumers:     make(map[string]*Consumer),
		bySub:         make(map[string]map[string]struct{}),
		byStream:      make(map[string]map[string]struct{}),
	}
}

// CreateSubscription registers a subscription, idempotently when the
// configuration matches. The secret is generated server side on creation.
func (r *Registry) CreateSubscription(id, pattern, deliveryURL, description string) (*Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subscriptions[id]; ok {
		if existing.Pattern == pattern && existing.URL == deliveryURL {
			return existing, false, nil
		}
		return nil, false, ErrSubscriptionMismatch
	}

	sub := &Subscription{
		ID:          id,
		Pattern:     pattern,
		URL:         deliveryURL,
		Secret:      NewSecret(),
		Description: description,
	}
	r.subscriptions[id] = sub
	r.bySub[id] = make(map[string]struct{})
	return sub, true, nil
}

func (r *Registry) GetSubscription(id string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptions[id]
}

// ListSubscriptions returns all subscriptions, optionally narrowed to an
// exact pattern. "/**" lists everything.
func (r *Registry) ListSubscriptions(pattern string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Subscription
	for _, sub := range r.subscriptions {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			result = append(result, sub)
		}
	}
	return result
}

// DeleteSubscription removes a subscription and every consumer under it.
func (r *Registry) DeleteSubscription(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptions[id]; !ok {
		return false
	}
	for consumerID := range r.bySub[id] {
		r.removeConsumerLocked(consumerID)
	}
	delete(r.bySub, id)
	delete(r.subscriptions, id)
	return true
}

// MatchingSubscriptions returns the subscriptions whose pattern covers path.
func (r *Registry) MatchingSubscriptions(path string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Subscription
	for _, sub := range r.subscriptions {
		if Match(sub.Pattern, path) {
			result = append(result, sub)
		}
	}
	return result
}

// ConsumerID derives the stable id for a subscription + stream pairing.
func ConsumerID(subscriptionID, streamPath string) string {
	return subscriptionID + ":" + url.PathEscape(streamPath)
}

func (r *Registry) GetConsumer(id string) *Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[id]
}

// EnsureConsumer returns the consumer for the pairing, creating an idle one
// acked at the zero offset when none exists.
func (r *Registry) EnsureConsumer(subscriptionID, streamPath string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ConsumerID(subscriptionID, streamPath)
	if consumer, ok := r.consumers[id]; ok {
		return consumer
	}

	consumer := &Consumer{
		ID:             id,
		SubscriptionID: subscriptionID,
		PrimaryStream:  streamPath,
		State:          StateIdle,
		Streams:        map[string]string{streamPath: engine.ZeroOffset.String()},
	}
	r.consumers[id] = consumer

	if set, ok := r.bySub[subscriptionID]; ok {
		set[id] = struct{}{}
	}
	r.indexStreamLocked(streamPath, id)
	return consumer
}

// beginWake moves a consumer into WAKING under a fresh epoch and wake id.
func (r *Registry) beginWake(c *Consumer) (epoch int, wakeID string) {
	c.Epoch++
	c.WakeID = newWakeID()
	c.WakeClaimed = false
	c.State = StateWaking
	return c.Epoch, c.WakeID
}

// claimWake claims a wake id. Re-claiming the same id is idempotent.
func (r *Registry) claimWake(c *Consumer, wakeID string) bool {
	if c.WakeID != wakeID {
		return false
	}
	if c.WakeClaimed {
		return true
	}
	c.WakeClaimed = true
	c.State = StateLive
	c.LastCallbackAt = time.Now()
	return true
}

func (r *Registry) toIdle(c *Consumer) {
	c.State = StateIdle
	c.WakeID = ""
	c.WakeClaimed = false
	c.cancelLiveness()
}

// applyAcks records acked offsets for streams the consumer is attached to.
func (r *Registry) applyAcks(c *Consumer, acks []Ack) {
	for _, ack := range acks {
		if _, ok := c.Streams[ack.Path]; ok {
			c.Streams[ack.Path] = ack.Offset
		}
	}
}

// attachStreams subscribes the consumer to more streams, acked at the
// current tail so only future messages wake it.
func (r *Registry) attachStreams(c *Consumer, paths []string, tail func(string) string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range paths {
		if _, ok := c.Streams[path]; !ok {
			c.Streams[path] = tail(path)
			r.indexStreamLocked(path, c.ID)
		}
	}
}

// detachStreams removes streams; reports whether the consumer is now empty
// and should be dropped.
func (r *Registry) detachStreams(c *Consumer, paths []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range paths {
		delete(c.Streams, path)
		r.unindexStreamLocked(path, c.ID)
	}
	return len(c.Streams) == 0
}

// hasPendingWork reports whether any attached stream's tail is past the
// consumer's ack. Offsets compare lexicographically.
func (r *Registry) hasPendingWork(c *Consumer, tail func(string) string) bool {
	for path, acked := range c.Streams {
		if tail(path) > acked {
			return true
		}
	}
	return false
}

func (r *Registry) streamEntries(c *Consumer) []StreamEntry {
	entries := make([]StreamEntry, 0, len(c.Streams))
	for path, offset := range c.Streams {
		entries = append(entries, StreamEntry{Path: path, Offset: offset})
	}
	return entries
}

// ConsumersForStream returns the ids of consumers attached to a stream.
func (r *Registry) ConsumersForStream(path string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byStream[path]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) RemoveConsumer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeConsumerLocked(id)
}

func (r *Registry) removeConsumerLocked(id string) {
	consumer, ok := r.consumers[id]
	if !ok {
		return
	}

	consumer.cancelRetry()
	consumer.cancelLiveness()

	for path := range consumer.Streams {
		r.unindexStreamLocked(path, id)
	}
	if set, ok := r.bySub[consumer.SubscriptionID]; ok {
		delete(set, id)
	}
	delete(r.consumers, id)
}

// DetachStreamEverywhere removes a deleted stream from all consumers,
// dropping consumers left with nothing.
func (r *Registry) DetachStreamEverywhere(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var empty []string
	for id := range r.byStream[path] {
		consumer, ok := r.consumers[id]
		if !ok {
			continue
		}
		delete(consumer.Streams, path)
		if len(consumer.Streams) == 0 {
			empty = append(empty, id)
		}
	}
	delete(r.byStream, path)

	for _, id := range empty {
		r.removeConsumerLocked(id)
	}
}

// Shutdown cancels every consumer timer and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, consumer := range r.consumers {
		consumer.cancelRetry()
		consumer.cancelLiveness()
	}
	r.subscriptions = make(map[string]*Subscription)
	r.consumers = make(map[string]*Consumer)
	r.bySub = make(map[string]map[string]struct{})
	r.byStream = make(map[string]map[string]struct{})
}

func (r *Registry) indexStreamLocked(path, consumerID string) {
	set, ok := r.byStream[path]
	if !ok {
		set = make(map[string]struct{})
		r.byStream[path] = set
	}
	set[consumerID] = struct{}{}
}

func (r *Registry) unindexStreamLocked(path, consumerID string) {
	set, ok := r.byStream[path]
	if !ok {
		return
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(r.byStream, path)
	}
}
