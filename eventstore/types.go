// Package eventstore persists conversational runs: sessions with a strictly
// monotonic per-session sequence, typed events with per-type schema
// validation, dedupe keys, and stale-run discovery for crash recovery.
package eventstore

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrUnknownType     = errors.New("unknown event type")
	ErrInvalidPayload  = errors.New("invalid event payload")
)

// EventType is the closed enum of persisted event kinds.
type EventType string

const (
	EventUserMessage    EventType = "user_message"
	EventAssistantStart EventType = "assistant_start"
	EventAssistantFinal EventType = "assistant_final"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventAgentStart     EventType = "agent_start"
	EventAgentEnd       EventType = "agent_end"
	EventTurnStart      EventType = "turn_start"
	EventTurnEnd        EventType = "turn_end"
	EventRunClosed      EventType = "run_closed"
	EventError          EventType = "error"

	// Streaming controller events.
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
)

var allEventTypes = []EventType{
	EventUserMessage, EventAssistantStart, EventAssistantFinal,
	EventToolCall, EventToolResult,
	EventAgentStart, EventAgentEnd,
	EventTurnStart, EventTurnEnd,
	EventRunClosed, EventError,
	EventMessageStart, EventMessageUpdate, EventMessageEnd,
	EventToolExecutionStart, EventToolExecutionUpdate, EventToolExecutionEnd,
}

// Valid reports whether t belongs to the closed enum.
func (t EventType) Valid() bool {
	for _, known := range allEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Session is an aggregate root for a conversation.
type Session struct {
	ID         string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CurrentSeq int64
}

// Event is one persisted state transition within a session.
type Event struct {
	ID        int64
	SessionID string
	Seq       int64
	RunID     string
	Type      EventType
	Payload   json.RawMessage
	DedupeKey string
	CreatedAt time.Time
}

// AppendRequest describes one event to persist.
type AppendRequest struct {
	SessionID string
	Type      EventType
	Payload   any // marshalled to JSON; json.RawMessage passes through
	RunID     string
	DedupeKey string
}

// QueryOptions filters an event query. Results are always ordered by seq
// ascending.
type QueryOptions struct {
	SessionID string
	AfterSeq  int64
	Types     []EventType
	RunID     string
	Limit     int
}

// HistoryMessage is one entry of the reconstructed conversation.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StaleRun identifies a run that started but never closed.
type StaleRun struct {
	SessionID string
	RunID     string
	StartedAt time.Time
}
