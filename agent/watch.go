package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
)

// Watch bridges externally persisted user messages into the controller: any
// user_message row appended to the session with an empty run id (meaning
// this controller did not produce it) is routed through HandleMessage.
// Watching an already watched session is a no-op.
func (c *Controller) Watch(sessionID string) {
	state := c.session(sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || state.watch != nil {
		return
	}

	state.watch = c.overlay.Subscribe(sessionID, func(event *eventstore.Event) {
		if event.Type != eventstore.EventUserMessage || event.RunID != "" {
			return
		}

		var payload eventstore.UserMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.logger.Warn("unparseable user message",
				zap.String("session", sessionID),
				zap.Int64("seq", event.Seq),
				zap.Error(err))
			return
		}

		if _, err := c.HandleMessage(context.Background(), sessionID, payload.Text); err != nil {
			c.logger.Error("watched message routing failed",
				zap.String("session", sessionID),
				zap.Int64("seq", event.Seq),
				zap.Error(err))
		}
	})
}

// Unwatch stops bridging the session. The agent and its event subscription
// stay alive.
func (c *Controller) Unwatch(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	if !ok || state.watch == nil {
		return
	}
	state.watch.Unsubscribe()
	state.watch = nil
}
