package main

import (
	"os"

	"github.com/spf13/cobra"

	askcmder "github.com/papercomputeco/branchrelay/cmd/branchrelay/ask"
	servecmder "github.com/papercomputeco/branchrelay/cmd/branchrelay/serve"
)

const rootLongDesc string = `branchrelay streams LLM completions for selection-anchored
branch conversations.

It relays chat, branch and branch summary requests to an
OpenAI-compatible completion API and streams the generated text
back as plain bytes.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "branchrelay",
		Short:         "Stateless streaming relay for branch conversations",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(askcmder.NewAskCmd())

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
