package askcmder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/branchrelay/cmd/branchrelay/configflags"
	"github.com/papercomputeco/branchrelay/pkg/config"
	"github.com/papercomputeco/branchrelay/pkg/conversation"
	"github.com/papercomputeco/branchrelay/pkg/llm"
	"github.com/papercomputeco/branchrelay/pkg/logger"
	"github.com/papercomputeco/branchrelay/pkg/relay"
)

const askLongDesc string = `Ask a one-off question and stream the answer to stdout.

Without --selection the question is sent as a direct chat.
With --selection it is sent as a branch question anchored on
the selected text, exactly as the /api/branch endpoint does.

Examples:
  branchrelay ask "What is a hash table?"
  branchrelay ask --selection "$(cat notes.txt)" "Explain the second paragraph"`

const askShortDesc string = "Stream a one-off answer to stdout"

type askCommander struct {
	flags     configflags.Flags
	selection string
}

func NewAskCmd() *cobra.Command {
	cmder := &askCommander{}

	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: askShortDesc,
		Long:  askLongDesc,
		Args:  cobra.MinimumNArgs(1),
		// Errors are runtime failures, not usage mistakes.
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, strings.Join(args, " "))
		},
	}

	cmder.flags.Bind(cmd)
	cmd.Flags().StringVar(&cmder.selection, "selection", "", "Selected text to anchor the question on")

	return cmd
}

func (c *askCommander) run(ctx context.Context, cmd *cobra.Command, question string) error {
	cfg, err := c.flags.Load(cmd)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if !cfg.HasCredential() {
		return fmt.Errorf("%s missing", config.EnvAPIKey)
	}

	messages, err := c.messages(cmd, question)
	if err != nil {
		return err
	}

	// Stdout carries only the answer.
	log := logger.NewLogger(logger.Options{
		Debug: cfg.Log.Debug,
		Sink:  cmd.ErrOrStderr(),
	})
	defer log.Sync()

	client := relay.New(relay.Config{
		BaseURL: cfg.Upstream.URL,
		APIKey:  cfg.Upstream.APIKey,
		Model:   cfg.Upstream.Model,
		Timeout: cfg.Upstream.Timeout.Duration,
	}, log, nil)

	if ctx == nil {
		ctx = context.Background()
	}
	stream, err := client.Open(ctx, messages)
	if err != nil {
		var upstreamErr *relay.UpstreamError
		if errors.As(err, &upstreamErr) {
			return fmt.Errorf("upstream returned %d: %s", upstreamErr.StatusCode, upstreamErr.Body)
		}
		return err
	}
	defer stream.Close()

	if _, err := stream.WriteTo(cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	return nil
}

func (c *askCommander) messages(cmd *cobra.Command, question string) ([]llm.Message, error) {
	if !cmd.Flags().Changed("selection") {
		return []llm.Message{{Role: llm.RoleUser, Content: question}}, nil
	}

	return conversation.Branch(&conversation.BranchRequest{
		Selection: c.selection,
		Question:  question,
	})
}
