package llm

import (
	"encoding/json"
	"fmt"
)

// ChatRequest represents a chat completion request (OpenAI-compatible).
// Messages are kept as raw JSON so that caller-supplied messages reach the
// upstream byte for byte.
type ChatRequest struct {
	Model       string            `json:"model"`       // Model identifier (e.g., "llama-3.3-70b-versatile")
	Messages    []json.RawMessage `json:"messages"`    // Conversation, in order
	Temperature float64           `json:"temperature"` // Sampling temperature
	MaxTokens   int               `json:"max_tokens"`  // Max tokens to generate
	Stream      bool              `json:"stream"`      // Always true for the relay
}

// NewChatRequest builds a streaming request with the fixed generation parameters.
func NewChatRequest(model string, messages []json.RawMessage) *ChatRequest {
	if messages == nil {
		messages = []json.RawMessage{}
	}

	return &ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
		Stream:      true,
	}
}

// EncodeMessages converts typed messages into their raw JSON form.
func EncodeMessages(messages []Message) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(messages))
	for i, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal message %d: %w", i, err)
		}
		raw = append(raw, data)
	}
	return raw, nil
}

// DecodeMessages converts the request messages into typed messages. It fails
// on any message whose content is not plain text.
func (r *ChatRequest) DecodeMessages() ([]Message, error) {
	messages := make([]Message, 0, len(r.Messages))
	for i, raw := range r.Messages {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message %d: %w", i, err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}
