package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
	"github.com/streamhouse/streamhouse/realtime"
)

// RouteResult reports how a user message was routed.
type RouteResult struct {
	RunID  string
	Routed string // "prompt" or "followUp"
}

// Config configures a controller.
type Config struct {
	Overlay *realtime.Overlay
	Factory Factory
	Logger  *zap.Logger

	// AgentID scopes the one-time bootstrap claim. Empty disables
	// bootstrap injection.
	AgentID string
	// BootstrapFile is the workspace file injected on first contact.
	BootstrapFile string
}

// Controller serializes routing decisions per session and persists every
// agent event. Persistence failures are logged, never propagated: the agent's
// stream must keep flowing even when a row cannot be written.
type Controller struct {
	overlay *realtime.Overlay
	factory Factory
	logger  *zap.Logger

	agentID       string
	bootstrapFile string

	mu       sync.Mutex
	sessions map[string]*sessionState
	disposed bool
}

type sessionState struct {
	// lock serializes routing and continuation decisions for one session.
	lock sync.Mutex

	agent       Agent
	unsubscribe func()
	watch       *realtime.Subscription
}

// NewController builds a controller. The factory is called once per session,
// lazily.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		overlay:       cfg.Overlay,
		factory:       cfg.Factory,
		logger:        logger,
		agentID:       cfg.AgentID,
		bootstrapFile: cfg.BootstrapFile,
		sessions:      make(map[string]*sessionState),
	}
}

// session returns the session's state, creating the agent and wiring its
// event stream on first use.
func (c *Controller) session(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.sessions[sessionID]; ok {
		return state
	}

	state := &sessionState{agent: c.factory(sessionID)}
	state.unsubscribe = state.agent.Subscribe(func(event Event) {
		c.onEvent(sessionID, state, event)
	})
	c.sessions[sessionID] = state
	return state
}

// HandleMessage routes one user message: a follow-up onto a streaming run,
// or a fresh prompt otherwise. The caller persists the user_message row; the
// controller only routes.
func (c *Controller) HandleMessage(ctx context.Context, sessionID, text string) (RouteResult, error) {
	state := c.session(sessionID)

	state.lock.Lock()
	defer state.lock.Unlock()

	c.maybeInjectBootstrap(sessionID)

	runID := uuid.New().String()
	if state.agent.IsStreaming() {
		state.agent.FollowUp(text)
		return RouteResult{RunID: runID, Routed: "followUp"}, nil
	}

	state.agent.SetRunID(runID)
	go func() {
		if err := state.agent.Prompt(ctx, text); err != nil {
			c.logger.Error("prompt failed",
				zap.String("session", sessionID),
				zap.String("run", runID),
				zap.Error(err))
			c.append(sessionID, eventstore.AppendRequest{
				SessionID: sessionID,
				Type:      eventstore.EventError,
				RunID:     runID,
				Payload:   eventstore.ErrorPayload{Message: err.Error()},
			})
			c.closeRun(sessionID, state, runID, "prompt_failed")
		}
	}()
	return RouteResult{RunID: runID, Routed: "prompt"}, nil
}

// Steer injects a mid-run instruction into the session's agent.
func (c *Controller) Steer(sessionID, text string) {
	c.session(sessionID).agent.Steer(text)
}

// Abort aborts the session's in-flight run, if any.
func (c *Controller) Abort(sessionID string) {
	c.session(sessionID).agent.Abort()
}

// onEvent persists one agent event, with the compat projections of the
// mapping table, then handles run closure and deferred continuation.
func (c *Controller) onEvent(sessionID string, state *sessionState, event Event) {
	runID := state.agent.RunID()

	switch event.Type {
	case eventstore.EventAgentStart:
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: eventstore.AgentStartPayload{SystemPrompt: state.agent.SystemPrompt()},
		})

	case eventstore.EventTurnStart, eventstore.EventTurnEnd:
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: eventstore.TurnMarkerPayload{},
		})

	case eventstore.EventMessageStart, eventstore.EventMessageUpdate, eventstore.EventMessageEnd:
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: eventstore.MessageStreamPayload{
				Role: event.Role, Text: event.Text, Delta: event.Delta,
			},
		})
		// Compat projection so conversation history still reconstructs.
		if event.Type == eventstore.EventMessageEnd && event.Role == "assistant" {
			c.append(sessionID, eventstore.AppendRequest{
				SessionID: sessionID, Type: eventstore.EventAssistantFinal, RunID: runID,
				Payload: eventstore.AssistantFinalPayload{Text: event.Text},
			})
		}

	case eventstore.EventToolExecutionStart, eventstore.EventToolExecutionUpdate, eventstore.EventToolExecutionEnd:
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: eventstore.ToolExecutionPayload{
				ToolName: event.ToolName, CallID: event.CallID,
				Delta: event.Delta, Result: event.Result, IsError: event.IsError,
			},
		})
		if event.Type == eventstore.EventToolExecutionEnd {
			c.append(sessionID, eventstore.AppendRequest{
				SessionID: sessionID, Type: eventstore.EventToolResult, RunID: runID,
				Payload: eventstore.ToolResultPayload{
					Name: event.ToolName, Content: event.Result, IsError: event.IsError,
				},
			})
		}

	case eventstore.EventAgentEnd:
		messages := make([]any, 0, len(event.Messages))
		for _, message := range event.Messages {
			messages = append(messages, message)
		}
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: eventstore.AgentEndPayload{
				StopReason: event.StopReason,
				Messages:   messages,
			},
		})
		c.closeRun(sessionID, state, runID, "agent_end")

		if state.agent.HasQueuedMessages() {
			// Deferred: agent_end fires inside the agent's own loop, before
			// its cleanup clears streaming state. Re-acquiring the session
			// lock on a fresh goroutine guarantees the continuation sees an
			// idle agent.
			go c.continueRun(sessionID, state)
		}

	default:
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID, Type: event.Type, RunID: runID,
			Payload: map[string]any{},
		})
	}
}

func (c *Controller) continueRun(sessionID string, state *sessionState) {
	state.lock.Lock()
	defer state.lock.Unlock()

	if state.agent.IsStreaming() || !state.agent.HasQueuedMessages() {
		return
	}

	runID := uuid.New().String()
	state.agent.SetRunID(runID)
	if err := state.agent.Continue(context.Background()); err != nil {
		c.logger.Error("continuation failed",
			zap.String("session", sessionID),
			zap.String("run", runID),
			zap.Error(err))
		c.append(sessionID, eventstore.AppendRequest{
			SessionID: sessionID,
			Type:      eventstore.EventError,
			RunID:     runID,
			Payload:   eventstore.ErrorPayload{Message: err.Error()},
		})
		c.closeRun(sessionID, state, runID, "continue_failed")
	}
}

// closeRun appends run_closed and clears the agent's run id.
func (c *Controller) closeRun(sessionID string, state *sessionState, runID, reason string) {
	c.append(sessionID, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      eventstore.EventRunClosed,
		RunID:     runID,
		Payload:   eventstore.RunClosedPayload{Reason: reason},
	})
	state.agent.SetRunID("")
}

// append persists one row, logging failures instead of returning them.
func (c *Controller) append(sessionID string, req eventstore.AppendRequest) {
	if _, err := c.overlay.Append(req); err != nil {
		c.logger.Error("event append failed",
			zap.String("session", sessionID),
			zap.String("type", string(req.Type)),
			zap.Error(err))
	}
}

// Dispose tears down every session: watches unsubscribed, agent listeners
// removed. Further calls are no-ops.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true

	for _, state := range c.sessions {
		if state.watch != nil {
			state.watch.Unsubscribe()
		}
		if state.unsubscribe != nil {
			state.unsubscribe()
		}
	}
	c.sessions = make(map[string]*sessionState)
}

// RecoverStaleRuns closes runs whose agent_start is older than olderThan and
// that never saw a run_closed, so the closed-run cache reflects crashes of a
// previous process.
func RecoverStaleRuns(overlay *realtime.Overlay, olderThan time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	stale, err := overlay.Store().FindStaleRuns(olderThan)
	if err != nil {
		return err
	}

	for _, run := range stale {
		_, err := overlay.Append(eventstore.AppendRequest{
			SessionID: run.SessionID,
			Type:      eventstore.EventRunClosed,
			RunID:     run.RunID,
			Payload:   eventstore.RunClosedPayload{Reason: "recovered_after_crash"},
		})
		if err != nil {
			logger.Error("stale run recovery failed",
				zap.String("session", run.SessionID),
				zap.String("run", run.RunID),
				zap.Error(err))
			continue
		}
		logger.Info("recovered stale run",
			zap.String("session", run.SessionID),
			zap.String("run", run.RunID),
			zap.Time("startedAt", run.StartedAt))
	}
	return nil
}
