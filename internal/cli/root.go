// Package cli holds the somnia command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/Somnia/internal/app"
	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/logger"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "somnia",
	Short: "Embedding pipeline for dream narrations",
	Long: `somnia chunks captured dream narrations, embeds every chunk and links
each document to the closest themes of the catalog. Work is queued in the
job table and processed by a pool of workers.`,
	SilenceUsage: true,
}

// loadApp builds the application from configuration. Tests may replace it.
var loadApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return app.NewApp(ctx, cfg, log)
}

// Execute runs the command tree. Configuration errors surface here and make
// the process exit non-zero.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func documentArg(args []string) (string, error) {
	if _, err := uuid.Parse(args[0]); err != nil {
		return "", fmt.Errorf("document id %q is not a uuid", args[0])
	}
	return args[0], nil
}
