package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/cmd/branchrelay/configflags"
	"github.com/papercomputeco/branchrelay/pkg/config"
	"github.com/papercomputeco/branchrelay/pkg/logger"
	"github.com/papercomputeco/branchrelay/proxy"
)

const serveLongDesc string = `Run the relay HTTP server.

Configuration is read from an optional TOML file, a .env file,
the environment (GROQ_API_KEY, GROQ_MODEL, BRANCHRELAY_*) and
finally flags. The server starts without a credential but every
relay endpoint then answers with a configuration error.

Examples:
  branchrelay serve
  branchrelay serve --listen :8080 --model llama-3.1-8b-instant
  branchrelay serve --config ./branchrelay.toml --debug`

const serveShortDesc string = "Run the relay server"

type serveCommander struct {
	flags      configflags.Flags
	listenAddr string
	jsonLogs   bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		// Errors are runtime failures, not usage mistakes.
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmder.flags.Bind(cmd)
	cmd.Flags().StringVarP(&cmder.listenAddr, "listen", "l", "", "Address to listen on")
	cmd.Flags().BoolVar(&cmder.jsonLogs, "json-logs", false, "Write logs as JSON lines")

	return cmd
}

func (c *serveCommander) run(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := c.flags.Load(cmd)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.ListenAddr = c.listenAddr
	}
	if cmd.Flags().Changed("json-logs") && c.jsonLogs {
		cfg.Log.Format = config.LogFormatJSON
	}

	log := logger.NewLogger(logger.Options{
		Debug: cfg.Log.Debug,
		JSON:  cfg.Log.Format == config.LogFormatJSON,
	})
	defer log.Sync()

	if !cfg.HasCredential() {
		log.Warn("no upstream credential configured; relay endpoints will fail",
			zap.String("env", config.EnvAPIKey),
		)
	}

	p, err := proxy.New(proxy.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		UpstreamURL: cfg.Upstream.URL,
		Model:       cfg.Upstream.Model,
		APIKey:      cfg.Upstream.APIKey,
		Timeout:     cfg.Upstream.Timeout.Duration,
	}, log)
	if err != nil {
		return fmt.Errorf("could not create relay: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down relay server")
		if err := p.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("could not shut down relay server: %w", err)
		}
		return <-errCh
	}
}
