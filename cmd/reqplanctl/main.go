// Package main implements reqplanctl, the operator CLI for stored sessions,
// the CRM connector and the standalone capability service.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/reqplan/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// envFile is loaded before configuration when it exists
	envFile string
	// outputJSON switches table output to JSON
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reqplanctl",
	Short: "Operate the requirement planning server offline",
	Long: `reqplanctl inspects stored conversations and plans, queries the CRM
connector with the server's configuration, and can host the analysis
capability as a gRPC service.

Configuration is read from the same environment variables as the server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
}

// loadConfig loads the env file, if present, and the server configuration.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			slog.Debug("Env file not loaded", "path", envFile, "error", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// cliLogger logs to stderr so that stdout stays machine readable.
func cliLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
