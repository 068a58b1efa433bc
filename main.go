package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"execution-core/pkg/config"
	"execution-core/pkg/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile string
	logLevel   string
	logPretty  bool
)

var rootCmd = &cobra.Command{
	Use:   "execution-core",
	Short: "Order execution and reconciliation engine",
	Long: `execution-core places protected entries on a spot venue and keeps the local
ledger converged with the venue's authoritative order state.

It provides:
  - Bracket entries with an attached stop and a target placed once the entry fills
  - A reconciliation loop that repairs missed fills after crashes
  - OCO cancellation of the surviving bracket leg
  - A single-instance guard for live trading

Configuration comes from environment variables (optionally .env) and an
optional YAML file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "human readable console logs")
}

// loadConfig resolves configuration and the root logger for a command.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	if configFile != "" {
		if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
			return nil, zerolog.Nop(), err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("mode", cfg.Mode).Logger()
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
