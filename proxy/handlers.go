package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/pkg/config"
	"github.com/papercomputeco/branchrelay/pkg/conversation"
	"github.com/papercomputeco/branchrelay/pkg/llm"
	"github.com/papercomputeco/branchrelay/pkg/metrics"
	"github.com/papercomputeco/branchrelay/pkg/relay"
)

var errCredentialMissing = config.EnvAPIKey + " missing"

// handleChat relays the caller's messages unchanged.
func (p *Proxy) handleChat(c *fiber.Ctx) error {
	start := time.Now()
	if ok, err := p.hasCredential(c, RouteChat, start); !ok {
		return err
	}

	var req conversation.ChatRequest
	if ok, err := p.decode(c, RouteChat, start, &req); !ok {
		return err
	}

	return p.relay(c, RouteChat, start, conversation.Direct(&req))
}

// handleBranch relays a question or a popup conversation anchored on the
// caller's selection.
func (p *Proxy) handleBranch(c *fiber.Ctx) error {
	start := time.Now()
	if ok, err := p.hasCredential(c, RouteBranch, start); !ok {
		return err
	}

	var req conversation.BranchRequest
	if ok, err := p.decode(c, RouteBranch, start, &req); !ok {
		return err
	}

	messages, err := conversation.Branch(&req)
	if err != nil {
		return p.fail(c, RouteBranch, start, err)
	}

	return p.relayMessages(c, RouteBranch, start, messages)
}

// handleBranchSummary relays a request to summarise a popup conversation.
func (p *Proxy) handleBranchSummary(c *fiber.Ctx) error {
	start := time.Now()
	if ok, err := p.hasCredential(c, RouteBranchSummary, start); !ok {
		return err
	}

	var req conversation.SummaryRequest
	if ok, err := p.decode(c, RouteBranchSummary, start, &req); !ok {
		return err
	}

	messages, err := conversation.BranchSummary(&req)
	if err != nil {
		return p.fail(c, RouteBranchSummary, start, err)
	}

	return p.relayMessages(c, RouteBranchSummary, start, messages)
}

// hasCredential reports whether an API key is configured. When it is not,
// the 500 response has already been written and its error is returned.
func (p *Proxy) hasCredential(c *fiber.Ctx, route string, start time.Time) (bool, error) {
	if p.config.APIKey != "" {
		return true, nil
	}

	p.metrics.RecordRequest(route, metrics.OutcomeConfigError, time.Since(start))
	return false, c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: errCredentialMissing})
}

// decode parses the JSON body into v. An empty body decodes as an empty
// object so that field validation produces the error message. On a parse
// failure the 400 response has been written and its error is returned.
func (p *Proxy) decode(c *fiber.Ctx, route string, start time.Time, v any) (bool, error) {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return true, nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		p.logger.Debug("failed to parse request", zap.String("route", route), zap.Error(err))
		p.metrics.RecordRequest(route, metrics.OutcomeValidationError, time.Since(start))
		return false, c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}
	return true, nil
}

// relayMessages encodes built messages and relays them.
func (p *Proxy) relayMessages(c *fiber.Ctx, route string, start time.Time, messages []llm.Message) error {
	raw, err := llm.EncodeMessages(messages)
	if err != nil {
		return p.fail(c, route, start, err)
	}
	return p.relay(c, route, start, raw)
}

// relay opens the upstream stream and, only once upstream has answered 200,
// installs a body stream writer that forwards each text delta as it arrives.
// Messages are sent to upstream exactly as given.
func (p *Proxy) relay(c *fiber.Ctx, route string, start time.Time, messages []json.RawMessage) error {
	p.logger.Debug("relaying conversation",
		zap.String("route", route),
		zap.Int("message_count", len(messages)),
	)

	// The stream outlives the handler, so it cannot use the request context.
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := p.client.OpenRaw(ctx, messages)
	if err != nil {
		cancel()
		return p.fail(c, route, start, err)
	}

	p.metrics.RecordRequest(route, metrics.OutcomeStreamed, time.Since(start))

	c.Status(fiber.StatusOK)
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer stream.Close()

		p.metrics.StreamStarted()
		defer p.metrics.StreamFinished()

		written, err := stream.WriteTo(w)
		if err != nil {
			// Write errors mean the caller disconnected; closing the stream
			// releases the upstream connection.
			p.logger.Warn("stream ended early",
				zap.String("route", route),
				zap.Int64("bytes", written),
				zap.Error(err),
			)
			return
		}

		p.logger.Debug("streaming complete",
			zap.String("route", route),
			zap.Int64("bytes", written),
			zap.Duration("duration", time.Since(start)),
		)
	}))

	return nil
}

// fail writes the JSON error for err. Nothing has been streamed at this
// point.
func (p *Proxy) fail(c *fiber.Ctx, route string, start time.Time, err error) error {
	var (
		validationErr *conversation.ValidationError
		networkErr    *relay.NetworkError
		upstreamErr   *relay.UpstreamError
	)

	switch {
	case errors.As(err, &validationErr):
		p.metrics.RecordRequest(route, metrics.OutcomeValidationError, time.Since(start))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: validationErr.Message})

	case errors.As(err, &networkErr):
		p.logger.Error("upstream request failed", zap.String("route", route), zap.Error(err))
		p.metrics.RecordRequest(route, metrics.OutcomeNetworkError, time.Since(start))
		return c.Status(networkErr.StatusCode()).JSON(llm.ErrorResponse{Error: networkErr.Error()})

	case errors.As(err, &upstreamErr):
		p.metrics.RecordRequest(route, metrics.OutcomeUpstreamError, time.Since(start))
		c.Status(upstreamErr.StatusCode)
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(upstreamErr.Body)

	default:
		p.logger.Error("failed to relay request", zap.String("route", route), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}
}
