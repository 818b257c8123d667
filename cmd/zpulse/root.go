package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"zpulse/internal/app"
	"zpulse/internal/config"
	"zpulse/internal/logging"
)

// version can be overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	orgID   string
	asJSON  bool
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "zpulse",
	Short:         "zpulse - identity resolution and engagement analytics",
	Long:          color.CyanString("zpulse") + " resolves chat participants into canonical people and computes engagement analytics.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger, logFile = logging.New(logging.Options{
			Level:       cfg.LogLevel,
			Development: true,
			File:        cfg.LogFile,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&orgID, "org", "", "organization id")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(consumeCmd)
}

// withApp builds the service graph for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func requireOrg() error {
	if orgID == "" {
		return fmt.Errorf("--org is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
