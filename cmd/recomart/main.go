package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "recomart",
	Short:   "Behavioral feature warehouse and popularity/co-occurrence recommender",
	Version: version,
	Long: `recomart computes time-windowed behavioral features from a user-item
interaction stream, trains a popularity-plus-co-occurrence model, serves
ranked recommendations and evaluates ranking quality.

Typical pipeline:
  recomart materialize   # prepared snapshots -> warehouse tables
  recomart train         # warehouse tables -> model artifact
  recomart evaluate      # model + interactions -> quality metrics
  recomart serve         # HTTP + MCP serving of the latest model`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// initLogging installs the default slog logger at the configured level.
func initLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
