package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
	"github.com/streamhouse/streamhouse/realtime"
)

type fakeAgent struct {
	mu           sync.Mutex
	streaming    bool
	queued       bool
	runID        string
	systemPrompt string
	listener     func(Event)

	prompts   []string
	followUps []string
	steers    []string
	continues int
	aborted   bool

	promptErr     error
	promptStarted chan string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{promptStarted: make(chan string, 8)}
}

func (a *fakeAgent) IsStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

func (a *fakeAgent) setStreaming(streaming bool) {
	a.mu.Lock()
	a.streaming = streaming
	a.mu.Unlock()
}

func (a *fakeAgent) Messages() []json.RawMessage { return nil }
func (a *fakeAgent) SystemPrompt() string        { return a.systemPrompt }

func (a *fakeAgent) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}

func (a *fakeAgent) SetRunID(id string) {
	a.mu.Lock()
	a.runID = id
	a.mu.Unlock()
}

func (a *fakeAgent) Prompt(_ context.Context, text string) error {
	a.mu.Lock()
	a.prompts = append(a.prompts, text)
	a.mu.Unlock()
	a.promptStarted <- text
	return a.promptErr
}

func (a *fakeAgent) FollowUp(text string) {
	a.mu.Lock()
	a.followUps = append(a.followUps, text)
	a.queued = true
	a.mu.Unlock()
}

func (a *fakeAgent) Continue(context.Context) error {
	a.mu.Lock()
	a.continues++
	a.queued = false
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Steer(text string) {
	a.mu.Lock()
	a.steers = append(a.steers, text)
	a.mu.Unlock()
}

func (a *fakeAgent) Abort() {
	a.mu.Lock()
	a.aborted = true
	a.mu.Unlock()
}

func (a *fakeAgent) HasQueuedMessages() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queued
}

func (a *fakeAgent) ReplaceMessages([]json.RawMessage) {}

func (a *fakeAgent) Subscribe(fn func(Event)) func() {
	a.mu.Lock()
	a.listener = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.listener = nil
		a.mu.Unlock()
	}
}

func (a *fakeAgent) emit(event Event) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener != nil {
		listener(event)
	}
}

type fixture struct {
	overlay    *realtime.Overlay
	controller *Controller
	agent      *fakeAgent
}

func newFixture(t *testing.T, cfg func(*Config)) *fixture {
	t.Helper()
	store, err := eventstore.Open(eventstore.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.CreateSession("s")
	require.NoError(t, err)

	overlay := realtime.New(store, zap.NewNop())
	agent := newFakeAgent()
	config := Config{
		Overlay: overlay,
		Factory: func(string) Agent { return agent },
		Logger:  zap.NewNop(),
	}
	if cfg != nil {
		cfg(&config)
	}
	controller := NewController(config)
	t.Cleanup(controller.Dispose)
	return &fixture{overlay: overlay, controller: controller, agent: agent}
}

func (f *fixture) events(t *testing.T) []*eventstore.Event {
	t.Helper()
	events, err := f.overlay.Store().Query(eventstore.QueryOptions{SessionID: "s"})
	require.NoError(t, err)
	return events
}

func TestHandleMessageRoutesPrompt(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.controller.HandleMessage(context.Background(), "s", "hello")
	require.NoError(t, err)
	assert.Equal(t, "prompt", result.Routed)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, result.RunID, f.agent.RunID())

	select {
	case text := <-f.agent.promptStarted:
		assert.Equal(t, "hello", text)
	case <-time.After(time.Second):
		t.Fatal("prompt never started")
	}
}

func TestHandleMessageRoutesFollowUpWhileStreaming(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.setStreaming(true)

	result, err := f.controller.HandleMessage(context.Background(), "s", "more")
	require.NoError(t, err)
	assert.Equal(t, "followUp", result.Routed)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []string{"more"}, f.agent.followUps)
	assert.Empty(t, f.agent.prompts)
}

func TestPromptFailureClosesRun(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.promptErr = errors.New("model unavailable")

	result, err := f.controller.HandleMessage(context.Background(), "s", "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		closed, err := f.overlay.IsAgentRunClosed("s", result.RunID)
		return err == nil && closed
	}, time.Second, 10*time.Millisecond)

	events := f.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, eventstore.EventError, events[0].Type)
	assert.Equal(t, eventstore.EventRunClosed, events[1].Type)
	assert.Equal(t, result.RunID, events[1].RunID)
	assert.Empty(t, f.agent.RunID())
}

func TestEventMappingCompatProjections(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.Watch("s") // wires the agent's event stream
	f.agent.SetRunID("run-1")

	f.agent.emit(Event{Type: eventstore.EventMessageStart, Role: "assistant"})
	f.agent.emit(Event{Type: eventstore.EventMessageUpdate, Role: "assistant", Delta: "no"})
	f.agent.emit(Event{Type: eventstore.EventMessageEnd, Role: "assistant", Text: "noon"})
	f.agent.emit(Event{
		Type: eventstore.EventToolExecutionEnd, ToolName: "clock", Result: "12:00",
	})

	events := f.events(t)
	types := make([]eventstore.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
		assert.Equal(t, "run-1", event.RunID)
	}
	assert.Equal(t, []eventstore.EventType{
		eventstore.EventMessageStart,
		eventstore.EventMessageUpdate,
		eventstore.EventMessageEnd,
		eventstore.EventAssistantFinal,
		eventstore.EventToolExecutionEnd,
		eventstore.EventToolResult,
	}, types)

	history, err := f.overlay.Store().ConversationHistory("s")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, eventstore.HistoryMessage{Role: "tool", Content: "12:00"}, history[0])
	assert.Equal(t, eventstore.HistoryMessage{Role: "assistant", Content: "noon"}, history[1])
}

func TestUserMessageEndDoesNotProjectFinal(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.Watch("s")
	f.agent.SetRunID("run-1")

	f.agent.emit(Event{Type: eventstore.EventMessageEnd, Role: "user", Text: "hi"})

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, eventstore.EventMessageEnd, events[0].Type)
}

func TestAgentEndClosesRunOnce(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.controller.HandleMessage(context.Background(), "s", "hi")
	require.NoError(t, err)
	<-f.agent.promptStarted

	f.agent.emit(Event{Type: eventstore.EventAgentEnd, StopReason: "end_turn"})

	closed, err := f.overlay.IsAgentRunClosed("s", result.RunID)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, f.agent.RunID())

	closures, err := f.overlay.Store().Query(eventstore.QueryOptions{
		SessionID: "s", Types: []eventstore.EventType{eventstore.EventRunClosed},
	})
	require.NoError(t, err)
	assert.Len(t, closures, 1)
}

func TestAgentEndContinuesQueuedMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.Watch("s")
	f.agent.SetRunID("run-1")
	f.agent.FollowUp("queued")

	f.agent.emit(Event{Type: eventstore.EventAgentEnd})

	require.Eventually(t, func() bool {
		f.agent.mu.Lock()
		defer f.agent.mu.Unlock()
		return f.agent.continues == 1
	}, time.Second, 10*time.Millisecond)

	// The continuation minted a fresh run id before calling Continue.
	assert.NotEmpty(t, f.agent.RunID())
	assert.NotEqual(t, "run-1", f.agent.RunID())
}

func TestSteerAndAbortDelegate(t *testing.T) {
	f := newFixture(t, nil)

	f.controller.Steer("s", "focus")
	f.controller.Abort("s")

	assert.Equal(t, []string{"focus"}, f.agent.steers)
	assert.True(t, f.agent.aborted)
}

func TestWatchRoutesExternalUserMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.Watch("s")
	f.controller.Watch("s") // idempotent

	// Externally persisted: empty run id.
	_, err := f.overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventUserMessage,
		Payload: eventstore.UserMessagePayload{Text: "from the wire"},
	})
	require.NoError(t, err)

	select {
	case text := <-f.agent.promptStarted:
		assert.Equal(t, "from the wire", text)
	case <-time.After(time.Second):
		t.Fatal("watched message was not routed")
	}

	// A row stamped with a run id came from a controller; not routed.
	_, err = f.overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventUserMessage, RunID: "run-9",
		Payload: eventstore.UserMessagePayload{Text: "own"},
	})
	require.NoError(t, err)

	select {
	case <-f.agent.promptStarted:
		t.Fatal("controller-produced row must not be routed")
	case <-time.After(100 * time.Millisecond):
	}

	f.controller.Unwatch("s")
	_, err = f.overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventUserMessage,
		Payload: eventstore.UserMessagePayload{Text: "after unwatch"},
	})
	require.NoError(t, err)

	select {
	case <-f.agent.promptStarted:
		t.Fatal("unwatched session must not route")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBootstrapInjectedOnce(t *testing.T) {
	bootstrapFile := filepath.Join(t.TempDir(), "workspace.md")
	require.NoError(t, os.WriteFile(bootstrapFile, []byte("# notes"), 0o644))

	f := newFixture(t, func(cfg *Config) {
		cfg.AgentID = "agent-1"
		cfg.BootstrapFile = bootstrapFile
	})

	_, err := f.controller.HandleMessage(context.Background(), "s", "first")
	require.NoError(t, err)
	<-f.agent.promptStarted

	events, err := f.overlay.Store().Query(eventstore.QueryOptions{
		SessionID: "s",
		Types:     []eventstore.EventType{eventstore.EventToolCall, eventstore.EventToolResult},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "bootstrap:v1:tool_call", events[0].DedupeKey)
	assert.Equal(t, "bootstrap:v1:tool_result", events[1].DedupeKey)

	var result eventstore.ToolResultPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &result))
	assert.Equal(t, "# notes", result.Content)

	// Second message: the claim is already taken.
	f.agent.setStreaming(true)
	_, err = f.controller.HandleMessage(context.Background(), "s", "second")
	require.NoError(t, err)

	events, err = f.overlay.Store().Query(eventstore.QueryOptions{
		SessionID: "s",
		Types:     []eventstore.EventType{eventstore.EventToolCall, eventstore.EventToolResult},
	})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecoverStaleRuns(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.overlay.Append(eventstore.AppendRequest{
		SessionID: "s", Type: eventstore.EventAgentStart, RunID: "crashed",
		Payload: eventstore.AgentStartPayload{},
	})
	require.NoError(t, err)

	require.NoError(t, RecoverStaleRuns(f.overlay, -time.Minute, zap.NewNop()))

	closed, err := f.overlay.IsAgentRunClosed("s", "crashed")
	require.NoError(t, err)
	assert.True(t, closed)

	closures, err := f.overlay.Store().Query(eventstore.QueryOptions{
		SessionID: "s", RunID: "crashed",
		Types: []eventstore.EventType{eventstore.EventRunClosed},
	})
	require.NoError(t, err)
	require.Len(t, closures, 1)

	var payload eventstore.RunClosedPayload
	require.NoError(t, json.Unmarshal(closures[0].Payload, &payload))
	assert.Equal(t, "recovered_after_crash", payload.Reason)
}
