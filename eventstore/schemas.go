package eventstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload shapes, one per event type. The structs are the source of truth:
// their reflected JSON Schemas validate every append. Extra fields are
// allowed so producers can attach metadata without a schema bump.

type UserMessagePayload struct {
	Text string `json:"text"`
}

type AssistantStartPayload struct {
	Model string `json:"model,omitempty"`
}

type AssistantFinalPayload struct {
	Text string `json:"text"`
}

type ToolCallPayload struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResultPayload struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

type AgentStartPayload struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type AgentEndPayload struct {
	StopReason string `json:"stopReason,omitempty"`
	Messages   []any  `json:"messages,omitempty"`
}

type TurnMarkerPayload struct {
	Turn int64 `json:"turn,omitempty"`
}

type RunClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type MessageStreamPayload struct {
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
}

type ToolExecutionPayload struct {
	ToolName string `json:"toolName,omitempty"`
	CallID   string `json:"callId,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Result   string `json:"result,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

var payloadPrototypes = map[EventType]any{
	EventUserMessage:         UserMessagePayload{},
	EventAssistantStart:      AssistantStartPayload{},
	EventAssistantFinal:      AssistantFinalPayload{},
	EventToolCall:            ToolCallPayload{},
	EventToolResult:          ToolResultPayload{},
	EventAgentStart:          AgentStartPayload{},
	EventAgentEnd:            AgentEndPayload{},
	EventTurnStart:           TurnMarkerPayload{},
	EventTurnEnd:             TurnMarkerPayload{},
	EventRunClosed:           RunClosedPayload{},
	EventError:               ErrorPayload{},
	EventMessageStart:        MessageStreamPayload{},
	EventMessageUpdate:       MessageStreamPayload{},
	EventMessageEnd:          MessageStreamPayload{},
	EventToolExecutionStart:  ToolExecutionPayload{},
	EventToolExecutionUpdate: ToolExecutionPayload{},
	EventToolExecutionEnd:    ToolExecutionPayload{},
}

// buildValidators reflects a JSON Schema from each payload struct and
// compiles it into a validator. Runs once at store open.
func buildValidators() (map[EventType]*jsonschema.Schema, error) {
	reflector := invopop.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}

	validators := make(map[EventType]*jsonschema.Schema, len(payloadPrototypes))
	for eventType, prototype := range payloadPrototypes {
		reflected := reflector.Reflect(prototype)
		document, err := json.Marshal(reflected)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", eventType, err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", eventType, err)
		}

		compiler := jsonschema.NewCompiler()
		url := string(eventType) + ".schema.json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		validators[eventType] = schema
	}
	return validators, nil
}

// validatePayload checks raw JSON against the type's reflected schema.
func (s *Store) validatePayload(eventType EventType, payload []byte) error {
	schema, ok := s.validators[eventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
