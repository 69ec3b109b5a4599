package llm

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"`    // "user" or "assistant"
	Content string `json:"content"` // The message content
}

// IsConversationalRole reports whether role is one the branch flows accept.
func IsConversationalRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
