package realtime

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
)

func newTestOverlay(t *testing.T) *Overlay {
	t.Helper()
	store, err := eventstore.Open(eventstore.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, zap.NewNop())
}

func TestPublishAfterCommit(t *testing.T) {
	overlay := newTestOverlay(t)
	_, err := overlay.Store().CreateSession("s")
	require.NoError(t, err)

	var seen []*eventstore.Event
	sub := overlay.Subscribe("s", func(event *eventstore.Event) {
		// The event must already be queryable when the callback fires.
		rows, err := overlay.Store().Query(eventstore.QueryOptions{
			SessionID: "s", AfterSeq: event.Seq - 1, Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		seen = append(seen, event)
	})
	defer sub.Unsubscribe()

	for i := 0; i < 3; i++ {
		_, err := overlay.Append(eventstore.AppendRequest{
			SessionID: "s",
			Type:      eventstore.EventUserMessage,
			Payload:   eventstore.UserMessagePayload{Text: "x"},
		})
		require.NoError(t, err)
	}

	require.Len(t, seen, 3)
	for i, event := range seen {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	overlay := newTestOverlay(t)
	_, err := overlay.Store().CreateSession("s")
	require.NoError(t, err)

	count := 0
	sub := overlay.Subscribe("s", func(*eventstore.Event) { count++ })

	_, err = overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventUserMessage,
		Payload: eventstore.UserMessagePayload{Text: "x"},
	})
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	_, err = overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventUserMessage,
		Payload: eventstore.UserMessagePayload{Text: "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubscribersScopedPerSession(t *testing.T) {
	overlay := newTestOverlay(t)
	for _, id := range []string{"a", "b"} {
		_, err := overlay.Store().CreateSession(id)
		require.NoError(t, err)
	}

	var got []string
	sub := overlay.Subscribe("a", func(event *eventstore.Event) {
		got = append(got, event.SessionID)
	})
	defer sub.Unsubscribe()

	for _, id := range []string{"a", "b", "a"} {
		_, err := overlay.Append(eventstore.AppendRequest{
			SessionID: id, Type: eventstore.EventUserMessage,
			Payload: eventstore.UserMessagePayload{Text: "x"},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "a"}, got)
}

func TestIsAgentRunClosed(t *testing.T) {
	overlay := newTestOverlay(t)
	_, err := overlay.Store().CreateSession("s")
	require.NoError(t, err)

	closed, err := overlay.IsAgentRunClosed("s", "run-1")
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventRunClosed, RunID: "run-1",
		Payload: eventstore.RunClosedPayload{Reason: "done"},
	})
	require.NoError(t, err)

	closed, err = overlay.IsAgentRunClosed("s", "run-1")
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestIsAgentRunClosedFallsBackToDatabase(t *testing.T) {
	overlay := newTestOverlay(t)
	_, err := overlay.Store().CreateSession("s")
	require.NoError(t, err)

	// Write through the store directly so the cache never hears about it.
	_, err = overlay.Store().Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventRunClosed, RunID: "run-1",
		Payload: eventstore.RunClosedPayload{},
	})
	require.NoError(t, err)

	closed, err := overlay.IsAgentRunClosed("s", "run-1")
	require.NoError(t, err)
	assert.True(t, closed)

	// Second lookup is served from the warmed cache.
	overlay.mu.Lock()
	_, cached := overlay.closedRuns[closedRunKey("s", "run-1")]
	overlay.mu.Unlock()
	assert.True(t, cached)
}

func TestClosedRunCacheClearsOnOverflow(t *testing.T) {
	overlay := newTestOverlay(t)
	overlay.mu.Lock()
	for i := 0; i < closedRunCacheCap; i++ {
		overlay.closedRuns[closedRunKey("s", string(rune(i)))] = struct{}{}
	}
	overlay.mu.Unlock()

	overlay.markRunClosed("s", "overflow")

	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	assert.Len(t, overlay.closedRuns, 1)
	_, ok := overlay.closedRuns[closedRunKey("s", "overflow")]
	assert.True(t, ok)
}

func TestDeleteSessionCleansUp(t *testing.T) {
	overlay := newTestOverlay(t)
	_, err := overlay.Store().CreateSession("s")
	require.NoError(t, err)

	count := 0
	overlay.Subscribe("s", func(*eventstore.Event) { count++ })
	overlay.markRunClosed("s", "run-1")
	overlay.markRunClosed("other", "run-2")

	require.NoError(t, overlay.DeleteSession("s"))

	overlay.mu.Lock()
	_, hasListeners := overlay.listeners["s"]
	_, hasOwnRun := overlay.closedRuns[closedRunKey("s", "run-1")]
	_, hasOtherRun := overlay.closedRuns[closedRunKey("other", "run-2")]
	overlay.mu.Unlock()

	assert.False(t, hasListeners)
	assert.False(t, hasOwnRun)
	assert.True(t, hasOtherRun)
}

func TestRotationStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.db")

	store, err := OpenRotationStore(path)
	require.NoError(t, err)

	current, err := store.CurrentSession()
	require.NoError(t, err)
	assert.Empty(t, current)

	require.NoError(t, store.Rotate("session-1"))
	require.NoError(t, store.Close())

	reopened, err := OpenRotationStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	current, err = reopened.CurrentSession()
	require.NoError(t, err)
	assert.Equal(t, "session-1", current)
}

func TestRotationSubscribers(t *testing.T) {
	store, err := OpenRotationStore(filepath.Join(t.TempDir(), "rotation.db"))
	require.NoError(t, err)
	defer store.Close()

	var got []string
	unsubscribe := store.SubscribeRotation(func(sessionID string) {
		got = append(got, sessionID)
	})

	require.NoError(t, store.Rotate("a"))
	require.NoError(t, store.Rotate("b"))
	unsubscribe()
	require.NoError(t, store.Rotate("c"))

	assert.Equal(t, []string{"a", "b"}, got)
}
