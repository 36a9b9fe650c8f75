package agent

import (
	"os"

	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/eventstore"
)

const (
	bootstrapToolCallKey   = "bootstrap:v1:tool_call"
	bootstrapToolResultKey = "bootstrap:v1:tool_result"
)

// maybeInjectBootstrap seeds the session with a synthetic workspace-file
// read on first contact. The claim is an atomic database insert, so
// concurrent first messages race benignly: losers skip. The dedupe keys make
// a retried injection return the already stored rows.
func (c *Controller) maybeInjectBootstrap(sessionID string) {
	if c.agentID == "" || c.bootstrapFile == "" {
		return
	}

	claimed, err := c.overlay.Store().ClaimBootstrap(c.agentID)
	if err != nil {
		c.logger.Error("bootstrap claim failed",
			zap.String("session", sessionID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	content, err := os.ReadFile(c.bootstrapFile)
	if err != nil {
		c.logger.Warn("bootstrap file unreadable",
			zap.String("path", c.bootstrapFile), zap.Error(err))
		content = nil
	}

	c.append(sessionID, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      eventstore.EventToolCall,
		DedupeKey: bootstrapToolCallKey,
		Payload: eventstore.ToolCallPayload{
			Name: "read_file",
			Args: map[string]any{"path": c.bootstrapFile},
		},
	})
	c.append(sessionID, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      eventstore.EventToolResult,
		DedupeKey: bootstrapToolResultKey,
		Payload: eventstore.ToolResultPayload{
			Name:    "read_file",
			Content: string(content),
		},
	})
}
