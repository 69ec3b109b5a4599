// Package relay forwards conversations to an OpenAI-compatible chat
// completion endpoint and decodes its server-sent event stream into plain
// text.
//
// The upstream status is checked before a Stream is handed out: Open either
// fails with a *NetworkError or *UpstreamError, or returns a Stream for a
// response that is known to be a 200. Callers can therefore decide between
// an error response and a streamed body before writing a single byte.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/pkg/llm"
	"github.com/papercomputeco/branchrelay/pkg/metrics"
)

// maxErrorBody bounds how much of an upstream error body is read.
const maxErrorBody = 1 << 20

// Config is the upstream client configuration.
type Config struct {
	// BaseURL of the OpenAI-compatible API (e.g., "https://api.groq.com/openai/v1")
	BaseURL string

	// APIKey is sent as a bearer credential.
	APIKey string

	// Model identifier sent with every request.
	Model string

	// Timeout bounds the wait for response headers and every gap between
	// two stream lines. A generation may run longer as long as it keeps
	// producing output.
	Timeout time.Duration
}

// Client is a stateless upstream completion client. It is safe for
// concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// New creates a new Client. collector may be nil.
func New(config Config, logger *zap.Logger, collector *metrics.Collector) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = config.Timeout

	return &Client{
		config:  config,
		logger:  logger,
		metrics: collector,
		httpClient: &http.Client{
			// No overall Timeout: the stream is bounded by the idle timer.
			Transport: transport,
		},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// Open submits messages to the upstream in streaming mode and verifies the
// response status. No retries are attempted.
//
// On success the returned Stream owns the upstream connection and must be
// closed by the caller.
func (c *Client) Open(ctx context.Context, messages []llm.Message) (*Stream, error) {
	raw, err := llm.EncodeMessages(messages)
	if err != nil {
		return nil, err
	}
	return c.OpenRaw(ctx, raw)
}

// OpenRaw is Open for messages that are forwarded exactly as given.
func (c *Client) OpenRaw(ctx context.Context, messages []json.RawMessage) (*Stream, error) {
	reqBody, err := json.Marshal(llm.NewChatRequest(c.config.Model, messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// The idle timer cancels the request when upstream goes quiet for longer
	// than the timeout; the stream resets it after every line.
	ctx, cancel := context.WithCancel(ctx)
	idle := newIdleTimer(c.config.Timeout, cancel)

	upstreamURL := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		idle.stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("forwarding request to upstream",
		zap.String("url", upstreamURL),
		zap.String("model", c.config.Model),
		zap.Int("message_count", len(messages)),
		zap.Int("body_size", len(reqBody)),
	)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		idle.stop()
		cancel()
		c.metrics.RecordUpstreamResponse(0, time.Since(start))
		return nil, &NetworkError{Cause: err}
	}
	c.metrics.RecordUpstreamResponse(httpResp.StatusCode, time.Since(start))

	if httpResp.StatusCode != http.StatusOK {
		defer cancel()
		defer idle.stop()
		defer httpResp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		if readErr != nil {
			c.logger.Warn("failed to read upstream error body", zap.Error(readErr))
		}

		upstreamErr := &UpstreamError{
			StatusCode: httpResp.StatusCode,
			Body:       FlattenErrorBody(body),
		}
		c.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.ByteString("body", upstreamErr.Body),
		)
		return nil, upstreamErr
	}

	idle.reset()
	return newStream(httpResp.Body, idle, cancel, c.logger, c.metrics), nil
}

// idleTimer fires cancel when not reset within timeout. A zero timeout
// disables it.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{timeout: timeout}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, cancel)
	}
	return t
}

func (t *idleTimer) reset() {
	if t.timer != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *idleTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
