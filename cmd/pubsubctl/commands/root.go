package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/config"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/platform/logging"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pubsubctl",
	Short: "Redis-backed cluster pub/sub node",
	Long: `pubsubctl runs a pub/sub node against a shared Redis server and lets you
listen on topics or publish to them from the command line.

Nodes are grouped by server name: every node with the same PUBSUB_SERVER_NAME
shares one Redis channel and exchanges broadcasts, while other groups on the
same Redis server stay isolated. Configuration comes from the environment
(REDIS_URL or REDIS_ADDR, PUBSUB_SERVER_NAME, PUBSUB_NODE_NAME, ...), with an
optional .env file for local development.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// setup loads the environment configuration and initializes logging.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	return cfg, log, nil
}
