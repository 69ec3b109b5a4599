package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/papercomputeco/branchrelay/pkg/llm"
)

const unknownUpstreamError = "Unknown error from upstream"

// NetworkError is returned when the upstream could not be reached at all
// (connection refused, DNS failure, timeout before response headers).
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("Network error contacting upstream: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// StatusCode is the status reported to callers for a network failure.
func (e *NetworkError) StatusCode() int {
	return http.StatusBadGateway
}

// UpstreamError is returned when the upstream answered with a non-200
// status. Body holds the flattened JSON error to relay to the caller.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// FlattenErrorBody converts an upstream error body into the JSON relayed to
// callers. A body shaped {"error": {"message": m}} becomes {"error": m}, any
// other JSON document is kept as-is and non-JSON text is wrapped as
// {"error": text}.
func FlattenErrorBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var nested llm.UpstreamErrorBody
		if err := json.Unmarshal(trimmed, &nested); err == nil && nested.Error != nil && nested.Error.Message != nil {
			return mustMarshal(llm.ErrorResponse{Error: *nested.Error.Message})
		}
		return trimmed
	}

	text := string(body)
	if text == "" {
		text = unknownUpstreamError
	}
	return mustMarshal(llm.ErrorResponse{Error: text})
}

func mustMarshal(v llm.ErrorResponse) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("failed to marshal error response: " + err.Error())
	}
	return data
}
