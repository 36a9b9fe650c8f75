package store

import (
	"sync"

	"github.com/streamhouse/streamhouse/engine"
)

// producerDecision is the outcome of applying the fencing rules to one
// append attempt. State is committed only after the append succeeds, so a
// failed write leaves the producer free to retry the same sequence.
type producerDecision struct {
	result       ProducerResult
	err          error
	currentEpoch int64
	expectedSeq  int64
}

// evaluateProducer applies the fencing rules:
//
//   - epochs only move forward; an older epoch is rejected outright
//   - a new epoch must start at sequence 0
//   - within an epoch, sequences advance by exactly one; anything at or
//     below the last accepted sequence is a duplicate, anything further
//     ahead is a gap
func evaluateProducer(state *engine.ProducerState, epoch, seq int64) producerDecision {
	if epoch < 0 || seq < 0 {
		return producerDecision{err: ErrInvalidEpochSeq}
	}

	if state == nil {
		if seq != 0 {
			return producerDecision{err: ErrProducerSeqGap, expectedSeq: 0}
		}
		return producerDecision{result: ProducerResultAccepted}
	}

	switch {
	case epoch < state.Epoch:
		return producerDecision{err: ErrStaleEpoch, currentEpoch: state.Epoch}
	case epoch > state.Epoch:
		if seq != 0 {
			return producerDecision{err: ErrInvalidEpochSeq, currentEpoch: state.Epoch}
		}
		return producerDecision{result: ProducerResultAccepted}
	}

	// Same epoch.
	switch {
	case seq <= state.LastSeq:
		return producerDecision{result: ProducerResultDuplicate}
	case seq == state.LastSeq+1:
		return producerDecision{result: ProducerResultAccepted}
	default:
		return producerDecision{err: ErrProducerSeqGap, expectedSeq: state.LastSeq + 1}
	}
}

// keyedMutex serialises producer validation per (stream, producer) pair so
// two retries of the same sequence cannot interleave between the state read
// and the commit. Entries are reference counted and dropped when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
