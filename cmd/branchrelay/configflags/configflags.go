// Package configflags binds the configuration flags shared by the
// branchrelay commands and resolves them into a config.Config.
package configflags

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/branchrelay/pkg/config"
)

// Flags holds the raw flag values.
type Flags struct {
	ConfigPath  string
	EnvFile     string
	UpstreamURL string
	Model       string
	Timeout     time.Duration
	Debug       bool
}

// Bind registers the shared flags on cmd.
func (f *Flags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "Path to a TOML configuration file")
	cmd.Flags().StringVar(&f.EnvFile, "env-file", config.DefaultEnvFile, "KEY=value file seeding the environment")
	cmd.Flags().StringVar(&f.UpstreamURL, "upstream", "", "Upstream OpenAI-compatible API URL")
	cmd.Flags().StringVar(&f.Model, "model", "", "Model identifier sent upstream")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "Upstream call timeout")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "Enable debug logging")
}

// Load resolves the configuration: file, env file, environment, then any
// flag explicitly set on cmd.
func (f *Flags) Load(cmd *cobra.Command) (*config.Config, error) {
	// The env file named on the command line is loaded first so that it
	// wins over the one named in the configuration file.
	if cmd.Flags().Changed("env-file") {
		if err := config.LoadEnvFile(f.EnvFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("upstream") {
		cfg.Upstream.URL = f.UpstreamURL
	}
	if cmd.Flags().Changed("model") {
		cfg.Upstream.Model = f.Model
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Upstream.Timeout = config.Duration{Duration: f.Timeout}
	}
	if cmd.Flags().Changed("debug") {
		cfg.Log.Debug = f.Debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
