// Package proxy provides the HTTP relay that streams LLM completions for
// chat, branch and branch summary conversations.
package proxy

import (
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/pkg/metrics"
	"github.com/papercomputeco/branchrelay/pkg/relay"
)

// Route paths.
const (
	RouteChat          = "/api/chat"
	RouteBranch        = "/api/branch"
	RouteBranchSummary = "/api/branch/summary"
)

const (
	corsAllowHeaders = "Content-Type, Authorization"
	corsAllowMethods = "POST, OPTIONS"
)

// Proxy is a stateless completion relay. Nothing is shared between requests
// apart from the upstream client and the metrics collector, both of which
// are safe for concurrent use.
type Proxy struct {
	config  Config
	logger  *zap.Logger
	client  *relay.Client
	metrics *metrics.Collector
	server  *fiber.App
}

// New creates a new Proxy.
func New(config Config, logger *zap.Logger) (*Proxy, error) {
	collector := metrics.NewCollector(nil)

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	p := &Proxy{
		config:  config,
		logger:  logger,
		metrics: collector,
		server:  app,
		client: relay.New(relay.Config{
			BaseURL: config.UpstreamURL,
			APIKey:  config.APIKey,
			Model:   config.Model,
			Timeout: config.Timeout,
		}, logger, collector),
	}

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	app.Use(p.accessLog)
	app.Use(permissiveCORS)
	// cors only acts on requests that carry an Origin header; browser
	// preflights are answered here with 204.
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: corsAllowHeaders,
		AllowMethods: corsAllowMethods,
	}))

	// Relay routes
	app.Post(RouteChat, p.handleChat)
	app.Post(RouteBranch, p.handleBranch)
	app.Post(RouteBranchSummary, p.handleBranchSummary)
	for _, route := range []string{RouteChat, RouteBranch, RouteBranchSummary} {
		app.Options(route, handlePreflight)
	}

	// Health check
	app.Get("/health", p.handleHealth)

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(collector.Handler()))

	return p, nil
}

// Run starts the proxy server on the configured listening address.
func (p *Proxy) Run() error {
	p.logStart(p.config.ListenAddr)
	return p.server.Listen(p.config.ListenAddr)
}

// RunWithListener starts the proxy server on an existing listener.
func (p *Proxy) RunWithListener(listener net.Listener) error {
	p.logStart(listener.Addr().String())
	return p.server.Listener(listener)
}

// Shutdown gracefully stops the server, waiting for in-flight streams.
func (p *Proxy) Shutdown() error {
	return p.server.Shutdown()
}

func (p *Proxy) logStart(addr string) {
	p.logger.Info("starting relay server",
		zap.String("listen", addr),
		zap.String("upstream", p.config.UpstreamURL),
		zap.String("model", p.config.Model),
		zap.Bool("credential", p.config.APIKey != ""),
	)
}

func (p *Proxy) handleHealth(c *fiber.Ctx) error {
	return c.JSON(map[string]any{
		"status":     "ok",
		"model":      p.config.Model,
		"credential": p.config.APIKey != "",
	})
}

func handlePreflight(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
