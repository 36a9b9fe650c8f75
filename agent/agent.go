// Package agent routes user messages into agent runs and persists the
// resulting event stream through the realtime overlay.
package agent

import (
	"context"
	"encoding/json"

	"github.com/streamhouse/streamhouse/eventstore"
)

// Event is one item of the typed stream an agent emits while it runs. Which
// fields are meaningful depends on Type; unused fields stay zero.
type Event struct {
	Type eventstore.EventType

	// Message stream fields.
	Role  string
	Text  string
	Delta string

	// Tool execution fields.
	ToolName string
	CallID   string
	Result   string
	IsError  bool

	// agent_end.
	StopReason string
	Messages   []json.RawMessage
}

// Agent is the external collaborator that actually talks to a model. The
// controller never inspects its internals; it drives it through this surface
// and listens to its event stream.
type Agent interface {
	// IsStreaming reports whether a run is in flight.
	IsStreaming() bool
	Messages() []json.RawMessage
	SystemPrompt() string

	RunID() string
	SetRunID(id string)

	// Prompt starts a new run from a user message. It returns when the run
	// finishes or fails.
	Prompt(ctx context.Context, text string) error

	// FollowUp queues a message onto the in-flight run.
	FollowUp(text string)

	// Continue starts a new run that drains queued messages.
	Continue(ctx context.Context) error

	// Steer injects a mid-run instruction.
	Steer(text string)

	Abort()
	HasQueuedMessages() bool
	ReplaceMessages(messages []json.RawMessage)

	// Subscribe registers a listener for the agent's event stream and
	// returns its unsubscribe function.
	Subscribe(fn func(Event)) func()
}

// Factory builds the agent for a session the first time the controller
// touches it.
type Factory func(sessionID string) Agent
