package llm

// Generation parameters sent with every completion request.
const (
	Temperature = 0.2
	MaxTokens   = 800
)
