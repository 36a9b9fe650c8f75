package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rotationBucket = []byte("rotation")

var currentSessionKey = []byte("current_session")

type rotationState struct {
	SessionID string    `json:"sessionId"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// RotationStore persists the id of the single active session so it survives
// restarts, and fans out rotation notifications to subscribers.
type RotationStore struct {
	db *bolt.DB

	mu     sync.Mutex
	subs   map[*rotationSub]struct{}
	closed bool
}

type rotationSub struct {
	fn func(sessionID string)
}

// OpenRotationStore opens or creates the rotation database at path.
func OpenRotationStore(path string) (*RotationStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open rotation store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rotationBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rotation bucket: %w", err)
	}

	return &RotationStore{db: db, subs: make(map[*rotationSub]struct{})}, nil
}

// CurrentSession returns the persisted active session id, or "" when none
// has been set.
func (r *RotationStore) CurrentSession() (string, error) {
	var state rotationState
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(rotationBucket).Get(currentSessionKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	return state.SessionID, nil
}

// Rotate makes sessionID the active session and notifies subscribers after
// the write commits.
func (r *RotationStore) Rotate(sessionID string) error {
	state := rotationState{SessionID: sessionID, RotatedAt: time.Now().UTC()}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rotationBucket).Put(currentSessionKey, data)
	})
	if err != nil {
		return fmt.Errorf("persist rotation: %w", err)
	}

	r.mu.Lock()
	subs := make([]*rotationSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.fn(sessionID)
	}
	return nil
}

// SubscribeRotation registers fn to run after every rotation. The returned
// function unsubscribes.
func (r *RotationStore) SubscribeRotation(fn func(sessionID string)) func() {
	sub := &rotationSub{fn: fn}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}
}

// Close releases the database. Further calls fail with bbolt's closed error.
func (r *RotationStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.subs = make(map[*rotationSub]struct{})
	r.mu.Unlock()
	return r.db.Close()
}
