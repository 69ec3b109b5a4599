package proxy

import "time"

// Config is the relay server configuration.
type Config struct {
	// Address to listen on (e.g., ":5000")
	ListenAddr string

	// Upstream OpenAI-compatible API URL (e.g., "https://api.groq.com/openai/v1")
	UpstreamURL string

	// Model identifier sent upstream.
	Model string

	// APIKey is the upstream bearer credential. When empty every relay
	// endpoint answers with a configuration error.
	APIKey string

	// Timeout bounds each upstream call, including the streamed body.
	Timeout time.Duration
}
