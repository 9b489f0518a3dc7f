package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hanpama/gqlstream/internal/config"
	"github.com/hanpama/gqlstream/internal/logging"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "gqlstream",
		Short: "GraphQL server with WebSocket subscriptions",
		Long: `gqlstream serves a small GraphQL library schema over HTTP and
WebSocket (graphql-transport-ws and the legacy graphql-ws protocol).

Examples:
  gqlstream serve --addr :4000
  gqlstream subscribe --url ws://localhost:4000/graphql
  gqlstream schema`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		serveCmd(&g),
		subscribeCmd(&g),
		schemaCmd(),
	)
	return root
}

// load reads the config file if one was given and applies the global flags.
func (g *globalFlags) load() (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func (g *globalFlags) setupLogging(cfg config.Config) error {
	return logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
