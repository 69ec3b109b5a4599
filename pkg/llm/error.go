// Package llm provides the wire representations of OpenAI-compatible chat
// completion requests, stream frames and error bodies used by the relay.
package llm

// ErrorResponse is the error envelope returned to callers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UpstreamErrorBody is the nested error shape returned by OpenAI-compatible
// providers, e.g. {"error": {"message": "rate limited", "type": "..."}}.
type UpstreamErrorBody struct {
	Error *UpstreamErrorDetail `json:"error"`
}

// UpstreamErrorDetail holds the human readable part of an upstream error.
type UpstreamErrorDetail struct {
	Message *string `json:"message"`
	Type    string  `json:"type,omitempty"`
	Code    any     `json:"code,omitempty"`
}
