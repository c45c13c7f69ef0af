package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/gateway"
	"github.com/compresr/tier-gateway/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

var (
	flagConfig  string
	flagEnvFile string
)

var rootCmd = &cobra.Command{
	Use:           "tier-gateway",
	Short:         "Tiered OpenAI-compatible LLM gateway",
	Long:          "Quota-aware tier routing, response caching, request decomposition and an agentic coding pipeline in front of an OpenAI-compatible provider.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tier-gateway %s\n", Version)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "configs/gateway.yaml", "Gateway config file")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the dotenv file (if present), then the config, and
// configures logging from it.
func loadConfig() (*config.Config, error) {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
			printWarn(fmt.Sprintf("could not load %s: %v", flagEnvFile, err))
		}
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", flagConfig, err)
	}
	monitoring.SetupLogging(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	gateway.Version = Version
	return cfg, nil
}
