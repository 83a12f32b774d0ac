package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/calclaw/internal/config"
	"github.com/user/calclaw/internal/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "calclaw",
	Short:         "Conversational calendar booking assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

// loadConfig reads the config file, writing defaults on first run. It exits
// the process on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	logging.Setup(os.Stderr, cfg.LogLevel)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
