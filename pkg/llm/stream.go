package llm

// StreamChunk represents a single server-sent event frame of a streaming
// chat completion.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Created int64          `json:"created,omitempty"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice is one choice within a StreamChunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// StreamDelta carries the incremental text of a choice.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Text returns the text delta of the first choice, if any.
func (c *StreamChunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}
