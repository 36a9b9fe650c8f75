package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/engine"
)

// producerRetention is how long idle producer state is kept before the
// background sweep drops it. A producer that returns after this window is
// treated as brand new.
const producerRetention = 7 * 24 * time.Hour

// DurableStore implements Store on top of the append engine.
type DurableStore struct {
	engine    *engine.Engine
	logger    *zap.Logger
	subs      *subscriberSet
	producers *keyedMutex
	cron      *cron.Cron
}

// NewDurableStore wraps an engine. The store takes ownership: Close tears
// down both the background sweeps and the engine.
func NewDurableStore(eng *engine.Engine, logger *zap.Logger) *DurableStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DurableStore{
		engine:    eng,
		logger:    logger,
		subs:      newSubscriberSet(),
		producers: newKeyedMutex(),
		cron:      cron.New(),
	}
	s.cron.AddFunc("@every 5m", s.evictIdleProducers)
	s.cron.Start()
	return s
}

func (s *DurableStore) evictIdleProducers() {
	n, err := s.engine.EvictProducersBefore(time.Now().Add(-producerRetention))
	if err != nil {
		s.logger.Error("producer eviction failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("evicted idle producers", zap.Int64("count", n))
	}
}

// liveStream loads a stream and enforces expiry: an expired stream is
// soft-deleted on access and reported as not found.
func (s *DurableStore) liveStream(path string) (*engine.Stream, error) {
	st, err := s.engine.GetStream(path)
	if errors.Is(err, engine.ErrStreamNotFound) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.IsExpired() {
		if err := s.engine.DeleteStream(path); err != nil && !errors.Is(err, engine.ErrStreamNotFound) {
			s.logger.Warn("failed to delete expired stream", zap.String("path", path), zap.Error(err))
		}
		s.subs.notify(path, NotifyDeleted)
		return nil, ErrStreamNotFound
	}
	return st, nil
}

// Create creates or resurrects a stream. An existing live stream with
// matching config is returned unchanged; a config mismatch is an error.
func (s *DurableStore) Create(path string, opts CreateOptions) (*engine.Stream, bool, error) {
	existing, err := s.liveStream(path)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if !ConfigMatches(existing, opts) {
			return nil, false, ErrConfigMismatch
		}
		return existing, false, nil
	}

	st, created, err := s.engine.CreateStream(path, engine.CreateStreamOptions{
		ContentType: opts.ContentType,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		Closed:      opts.Closed,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost a create race; reconcile against the winner's config.
		if !ConfigMatches(st, opts) {
			return nil, false, ErrConfigMismatch
		}
		return st, false, nil
	}

	if len(opts.InitialData) > 0 {
		records, err := s.buildRecords(st, opts.InitialData)
		if err != nil {
			return nil, false, err
		}
		if _, err := s.engine.AppendAll(path, records); err != nil {
			return nil, false, err
		}
		st, err = s.engine.GetStream(path)
		if err != nil {
			return nil, false, err
		}
		s.subs.notify(path, NotifyMessages)
	}

	return st, true, nil
}

// Get returns live stream metadata.
func (s *DurableStore) Get(path string) (*engine.Stream, error) {
	return s.liveStream(path)
}

// Has reports whether the stream exists and is live.
func (s *DurableStore) Has(path string) bool {
	_, err := s.liveStream(path)
	return err == nil
}

// Delete soft-deletes a stream and wakes its waiters.
func (s *DurableStore) Delete(path string) error {
	if _, err := s.liveStream(path); err != nil {
		return err
	}
	if err := s.engine.DeleteStream(path); err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			return ErrStreamNotFound
		}
		return err
	}
	s.subs.notify(path, NotifyDeleted)
	return nil
}

// buildRecords applies content-type framing to an append body.
func (s *DurableStore) buildRecords(st *engine.Stream, data []byte) ([][]byte, error) {
	if IsJSONContentType(st.ContentType) {
		return SplitJSONRecords(data)
	}
	return [][]byte{data}, nil
}

// Append validates, frames and durably writes an append call, then wakes
// waiters. Producer state is committed only after the write succeeds, so a
// failed append never burns a sequence number.
func (s *DurableStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}

	hasProducer := opts.HasAllProducerHeaders()
	if hasProducer {
		// Serialise per (stream, producer): retries of the same sequence
		// must not interleave between state read and commit.
		unlock := s.producers.Lock(path + "\x00" + opts.ProducerId)
		defer unlock()
	}

	st, err := s.liveStream(path)
	if err != nil {
		return AppendResult{}, err
	}

	if opts.ContentType != "" && !ContentTypeMatches(st.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	if st.Closed {
		if hasProducer && st.ClosedBy != nil &&
			st.ClosedBy.ProducerID == opts.ProducerId &&
			st.ClosedBy.Epoch == *opts.ProducerEpoch &&
			*opts.ProducerSeq <= st.ClosedBy.Seq {
			// The producer that closed the stream is retrying its close.
			return AppendResult{
				Offset:         st.CurrentOffset(),
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        st.ClosedBy.Seq,
				StreamClosed:   true,
			}, nil
		}
		return AppendResult{Offset: st.CurrentOffset(), StreamClosed: true}, ErrStreamClosed
	}

	result := AppendResult{Offset: st.CurrentOffset()}

	var state *engine.ProducerState
	if hasProducer {
		state, err = s.engine.GetProducer(path, opts.ProducerId)
		if err != nil {
			return result, err
		}
		decision := evaluateProducer(state, *opts.ProducerEpoch, *opts.ProducerSeq)
		if decision.err != nil {
			result.CurrentEpoch = decision.currentEpoch
			result.ExpectedSeq = decision.expectedSeq
			result.ReceivedSeq = *opts.ProducerSeq
			return result, decision.err
		}
		if decision.result == ProducerResultDuplicate {
			result.ProducerResult = ProducerResultDuplicate
			result.LastSeq = state.LastSeq
			return result, nil
		}
		result.ProducerResult = ProducerResultAccepted
	}

	var records [][]byte
	if len(bytes.TrimSpace(data)) == 0 {
		if !opts.Close {
			return result, ErrEmptyBody
		}
		// Close-only call: empty body is the close marker.
	} else {
		records, err = s.buildRecords(st, data)
		if err != nil {
			return result, err
		}
		if len(records) == 0 && !opts.Close {
			// An empty JSON array is allowed only as initial create data.
			return result, ErrEmptyJSONArray
		}
	}

	appended, err := s.engine.AppendAll(path, records)
	if err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			return result, ErrStreamNotFound
		}
		return result, err
	}
	if len(appended) > 0 {
		result.Offset = appended[len(appended)-1].Offset
	}

	if hasProducer {
		if err := s.engine.PutProducer(path, opts.ProducerId, *opts.ProducerEpoch, *opts.ProducerSeq); err != nil {
			return result, err
		}
		result.LastSeq = *opts.ProducerSeq
	}

	if opts.Close {
		var by *engine.ClosedBy
		if hasProducer {
			by = &engine.ClosedBy{ProducerID: opts.ProducerId, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
		}
		if err := s.engine.SetClosed(path, by); err != nil {
			return result, err
		}
		result.StreamClosed = true
	}

	if len(appended) > 0 {
		s.subs.notify(path, NotifyMessages)
	}
	if result.StreamClosed {
		s.subs.notify(path, NotifyClosed)
	}

	return result, nil
}

// CloseStream closes a stream without appending. Idempotent.
func (s *DurableStore) CloseStream(path string) (*CloseResult, error) {
	st, err := s.liveStream(path)
	if err != nil {
		return nil, err
	}
	if st.Closed {
		return &CloseResult{FinalOffset: st.CurrentOffset(), AlreadyClosed: true}, nil
	}
	if err := s.engine.SetClosed(path, nil); err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	s.subs.notify(path, NotifyClosed)
	return &CloseResult{FinalOffset: st.CurrentOffset()}, nil
}

// Read returns messages after offset and whether the reader reached the tail.
func (s *DurableStore) Read(path string, offset engine.Offset) ([]Message, bool, error) {
	st, err := s.liveStream(path)
	if err != nil {
		return nil, false, err
	}

	raw, err := s.engine.Read(path, offset)
	if err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			return nil, false, ErrStreamNotFound
		}
		return nil, false, err
	}

	messages := make([]Message, 0, len(raw))
	last := offset
	for _, m := range raw {
		messages = append(messages, Message{Data: m.Data, Offset: m.Offset})
		last = m.Offset
	}

	upToDate := !last.LessThan(st.CurrentOffset())
	return messages, upToDate, nil
}

// WaitForMessages blocks until messages exist after offset, the stream is
// closed or deleted, the timeout expires, or the context ends.
func (s *DurableStore) WaitForMessages(ctx context.Context, path string, offset engine.Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Subscribe before reading so an append between the read and the
		// wait cannot be missed.
		ch, cancel := s.subs.subscribe(path)

		messages, _, err := s.Read(path, offset)
		if err != nil {
			cancel()
			return nil, false, false, err
		}
		if len(messages) > 0 {
			cancel()
			return messages, false, false, nil
		}

		st, err := s.liveStream(path)
		if err != nil {
			cancel()
			return nil, false, false, err
		}
		if st.Closed {
			cancel()
			return nil, false, true, nil
		}

		select {
		case <-ctx.Done():
			cancel()
			return nil, false, false, ctx.Err()
		case <-timer.C:
			cancel()
			return nil, true, false, nil
		case n := <-ch:
			cancel()
			if n.Kind == NotifyDeleted {
				return nil, false, false, ErrStreamNotFound
			}
			// Messages or close: loop and re-read.
		}
	}
}

// Subscribe registers a one-shot waiter on a stream.
func (s *DurableStore) Subscribe(path string) (<-chan Notification, func()) {
	return s.subs.subscribe(path)
}

// GetCurrentOffset returns the stream's tail offset.
func (s *DurableStore) GetCurrentOffset(path string) (engine.Offset, error) {
	st, err := s.liveStream(path)
	if err != nil {
		return engine.Offset{}, err
	}
	return st.CurrentOffset(), nil
}

// Close stops background work and releases the engine.
func (s *DurableStore) Close() error {
	s.cron.Stop()
	return s.engine.Close()
}

var _ Store = (*DurableStore)(nil)
