package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/streamhouse/streamhouse/engine"
)

func TestEvaluateProducer_FirstContact(t *testing.T) {
	d := evaluateProducer(nil, 0, 0)
	if d.err != nil || d.result != ProducerResultAccepted {
		t.Errorf("first message at seq 0: %+v", d)
	}

	d = evaluateProducer(nil, 3, 0)
	if d.err != nil || d.result != ProducerResultAccepted {
		t.Errorf("first message with nonzero epoch: %+v", d)
	}

	d = evaluateProducer(nil, 0, 5)
	if !errors.Is(d.err, ErrProducerSeqGap) || d.expectedSeq != 0 {
		t.Errorf("first message at seq 5: %+v", d)
	}
}

func TestEvaluateProducer_SameEpoch(t *testing.T) {
	state := &engine.ProducerState{Epoch: 2, LastSeq: 7}

	d := evaluateProducer(state, 2, 8)
	if d.err != nil || d.result != ProducerResultAccepted {
		t.Errorf("next seq: %+v", d)
	}

	d = evaluateProducer(state, 2, 7)
	if d.err != nil || d.result != ProducerResultDuplicate {
		t.Errorf("replayed seq: %+v", d)
	}

	d = evaluateProducer(state, 2, 3)
	if d.result != ProducerResultDuplicate {
		t.Errorf("old seq: %+v", d)
	}

	d = evaluateProducer(state, 2, 10)
	if !errors.Is(d.err, ErrProducerSeqGap) || d.expectedSeq != 8 {
		t.Errorf("gap: %+v", d)
	}
}

func TestEvaluateProducer_EpochTransitions(t *testing.T) {
	state := &engine.ProducerState{Epoch: 2, LastSeq: 7}

	d := evaluateProducer(state, 1, 8)
	if !errors.Is(d.err, ErrStaleEpoch) || d.currentEpoch != 2 {
		t.Errorf("stale epoch: %+v", d)
	}

	d = evaluateProducer(state, 3, 0)
	if d.err != nil || d.result != ProducerResultAccepted {
		t.Errorf("new epoch at seq 0: %+v", d)
	}

	d = evaluateProducer(state, 3, 1)
	if !errors.Is(d.err, ErrInvalidEpochSeq) {
		t.Errorf("new epoch at seq 1: %+v", d)
	}
}

func TestEvaluateProducer_Negative(t *testing.T) {
	if d := evaluateProducer(nil, -1, 0); !errors.Is(d.err, ErrInvalidEpochSeq) {
		t.Errorf("negative epoch: %+v", d)
	}
	if d := evaluateProducer(nil, 0, -1); !errors.Is(d.err, ErrInvalidEpochSeq) {
		t.Errorf("negative seq: %+v", d)
	}
}

func TestKeyedMutexSerialises(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same-key")
			defer unlock()
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}

	// All entries released.
	km.mu.Lock()
	remaining := len(km.locks)
	km.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d lock entries leaked", remaining)
	}
}
