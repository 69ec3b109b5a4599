package conversation

import (
	"encoding/json"

	"github.com/papercomputeco/branchrelay/pkg/llm"
)

// rawTurn mirrors a {role, content} object with pointer fields so that a
// missing key can be told apart from an empty value.
type rawTurn struct {
	Role    *string          `json:"role"`
	Content *json.RawMessage `json:"content"`
}

// historyMessages decodes prior main-thread messages. Entries that are not
// objects with a string role and string content are dropped.
func historyMessages(entries []json.RawMessage) []llm.Message {
	messages := make([]llm.Message, 0, len(entries)+3)
	for _, raw := range entries {
		var t rawTurn
		if err := json.Unmarshal(raw, &t); err != nil || t.Role == nil || t.Content == nil {
			continue
		}
		if !llm.IsConversationalRole(*t.Role) {
			continue
		}

		var content string
		if err := json.Unmarshal(*t.Content, &content); err != nil {
			continue
		}
		messages = append(messages, llm.Message{Role: *t.Role, Content: content})
	}
	return messages
}

// parseTurns decodes popup turns. The role must be user or assistant; a
// missing or null content counts as empty text, any other non-string content
// drops the turn.
func parseTurns(entries []json.RawMessage) []llm.Message {
	turns := make([]llm.Message, 0, len(entries))
	for _, raw := range entries {
		var t rawTurn
		if err := json.Unmarshal(raw, &t); err != nil || t.Role == nil {
			continue
		}
		if !llm.IsConversationalRole(*t.Role) {
			continue
		}

		var content string
		if t.Content != nil && string(*t.Content) != "null" {
			if err := json.Unmarshal(*t.Content, &content); err != nil {
				continue
			}
		}
		turns = append(turns, llm.Message{Role: *t.Role, Content: content})
	}
	return turns
}
