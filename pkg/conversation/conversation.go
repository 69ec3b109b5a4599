// Package conversation assembles the ordered message lists sent upstream for
// the direct chat, branch and branch summary flows.
//
// No system role is ever produced. All steering happens through user
// messages appended after the caller supplied history.
package conversation

import (
	"encoding/json"
	"strings"

	"github.com/papercomputeco/branchrelay/pkg/llm"
)

// MaxSelectionRunes is the number of characters of the selection kept in the
// anchoring context message.
const MaxSelectionRunes = 3000

const (
	selectionPrefix  = "Selected Context:\n"
	transcriptHeader = "Below is the branch conversation transcript:"

	summaryInstruction = "Write a concise summary of the branch conversation for a student.\n" +
		"- 5–8 bullet points\n" +
		"- 1-line key takeaway at the end\n" +
		"- Do NOT repeat the full selected text; focus on the conversation's conclusions and clarifications."
)

// BranchRequest is the body of a branch call. History and PopupTurns are
// kept raw so that malformed entries can be dropped one by one instead of
// failing the whole request.
type BranchRequest struct {
	Selection  string            `json:"selection"`
	History    []json.RawMessage `json:"history"`
	Question   string            `json:"question"`
	PopupTurns []json.RawMessage `json:"popup_turns"`
}

// SummaryRequest is the body of a branch summary call.
type SummaryRequest struct {
	Selection  string            `json:"selection"`
	History    []json.RawMessage `json:"history"`
	PopupTurns []json.RawMessage `json:"popup_turns"`
}

// ChatRequest is the body of a direct chat call. Messages are not decoded:
// extra fields and structured content are forwarded untouched.
type ChatRequest struct {
	Messages []json.RawMessage `json:"messages"`
}

// Direct returns the caller's messages unchanged.
func Direct(req *ChatRequest) []json.RawMessage {
	if req.Messages == nil {
		return []json.RawMessage{}
	}
	return req.Messages
}

// Branch builds the messages for a single question or a multi-turn popup
// chat anchored on the selection. Popup turns take precedence over the
// question when both are present.
func Branch(req *BranchRequest) ([]llm.Message, error) {
	selection := TruncateSelection(req.Selection)
	if isBlank(selection) {
		return nil, ErrSelectionRequired
	}

	messages := historyMessages(req.History)
	messages = append(messages, selectionMessage(selection))

	question := strings.TrimSpace(req.Question)
	switch {
	case len(req.PopupTurns) > 0:
		messages = append(messages, parseTurns(req.PopupTurns)...)
	case question != "":
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	default:
		return nil, ErrQuestionRequired
	}

	return messages, nil
}

// BranchSummary builds the messages asking the model to summarise a popup
// conversation. Turns are re-framed as a plain transcript in user messages so
// the model does not continue the forwarded assistant turns.
func BranchSummary(req *SummaryRequest) ([]llm.Message, error) {
	selection := TruncateSelection(req.Selection)
	if isBlank(selection) {
		return nil, ErrSelectionRequired
	}

	messages := historyMessages(req.History)
	messages = append(messages, selectionMessage(selection))

	if len(req.PopupTurns) > 0 {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: transcriptHeader})
		for _, turn := range parseTurns(req.PopupTurns) {
			prefix := "User:"
			if turn.Role == llm.RoleAssistant {
				prefix = "Assistant:"
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: prefix + " " + turn.Content,
			})
		}
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: summaryInstruction})
	return messages, nil
}

// TruncateSelection keeps the first MaxSelectionRunes characters of s.
func TruncateSelection(s string) string {
	if len(s) <= MaxSelectionRunes {
		return s
	}

	n := 0
	for i := range s {
		if n == MaxSelectionRunes {
			return s[:i]
		}
		n++
	}
	return s
}

func selectionMessage(selection string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: selectionPrefix + selection}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
