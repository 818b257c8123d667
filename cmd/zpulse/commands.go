package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"zpulse/internal/app"
	"zpulse/internal/ingest"
	"zpulse/internal/queue"
	"zpulse/internal/service"
)

var (
	chatID      int64
	days        int
	asyncImport bool
	dryRun      bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := app.OpenDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("schema is up to date"), "("+cfg.DBDriver+")")
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a parsed chat history export into a connected chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOrg(); err != nil {
			return err
		}
		if chatID == 0 {
			return errors.New("--chat is required")
		}
		payload, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			job, err := a.Imports.Submit(cmd.Context(), orgID, chatID, payload, asyncImport)
			if job != nil {
				if asJSON {
					_ = printJSON(cmd.OutOrStdout(), job)
				} else {
					s := job.Summary()
					status := color.GreenString(job.Status)
					if err != nil {
						status = color.RedString(job.Status)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "import %s %s: imported=%d duplicates=%d skipped=%d new_participants=%d matched=%d\n",
						job.ID, status, s.Imported, s.Duplicates, s.Skipped, s.NewParticipants, s.MatchedParticipants)
				}
			}
			return err
		})
	},
}

func readImportFile(path string) (service.ImportPayload, error) {
	var payload service.ImportPayload
	raw, err := os.ReadFile(path)
	if err != nil {
		return payload, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validator.New().Struct(payload); err != nil {
		return payload, fmt.Errorf("invalid import file: %w", err)
	}
	return payload, nil
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Synthesize participants for an organization without any",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOrg(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Backfill.Backfill(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s participants inserted (source: %s, chats: %v)\n",
				color.GreenString("%d", res.Inserted), orDash(res.Source), res.ChatIDs)
			return nil
		})
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Refresh participant activity and risk scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOrg(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Participants.List(cmd.Context(), orgID, dryRun)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d participants, %s rows written\n",
				len(res.Participants), color.GreenString("%d", res.Written))
			if len(res.Degraded) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("degraded: %v", res.Degraded))
			}
			return nil
		})
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Print the engagement snapshot of a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOrg(); err != nil {
			return err
		}
		if chatID == 0 {
			return errors.New("--chat is required")
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			snap, err := a.Analytics.Snapshot(cmd.Context(), orgID, chatID, days)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d, %d days (%s to %s)\n", color.CyanString("chat"), snap.ChatID, snap.Days,
				snap.WindowStart.Format("2006-01-02"), snap.WindowEnd.Format("2006-01-02"))
			fmt.Fprintf(out, "  messages %d  replies %d  joins %d  leaves %d\n", snap.MessageCount, snap.ReplyCount, snap.JoinCount, snap.LeaveCount)
			fmt.Fprintf(out, "  dau_avg %d  reply_ratio %d%%  members %d  active %d  silent %d%%  gini %.2f\n",
				snap.DAUAvg, snap.ReplyRatio, snap.MemberCount, snap.ActiveUserCount, snap.SilentRate, snap.ActivityGini)
			for _, s := range snap.TopContributors {
				fmt.Fprintf(out, "  top  %-24s %d\n", contributorName(s), s.MessageCount)
			}
			for _, s := range snap.RiskRadar {
				fmt.Fprintf(out, "  %s %-24s %d\n", color.RedString("risk"), contributorName(s), s.RiskScore)
			}
			if len(snap.Degraded) > 0 {
				fmt.Fprintln(out, color.YellowString("degraded: %v", snap.Degraded))
			}
			return nil
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued imports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			w, err := queue.NewWorker(a.QueueOptions(), a.Imports, logger)
			if err != nil {
				return err
			}
			logger.Info("import worker started", "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)
			return w.Run(ctx)
		})
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Ingest live activity events from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		reader, err := ingest.NewReader(ingest.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return err
		}
		return withApp(ctx, func(a *app.App) error {
			c := ingest.NewConsumer(reader, a.Ingest, logger)
			defer c.Close()
			logger.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	importCmd.Flags().BoolVar(&asyncImport, "async", false, "enqueue the import instead of running it")
	analyticsCmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	analyticsCmd.Flags().IntVar(&days, "days", 0, "window in days (default from config)")
	recomputeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without writing")
}

func contributorName(s service.SenderStat) string {
	switch {
	case s.Username != "":
		return "@" + s.Username
	case s.Name != "":
		return s.Name
	}
	return s.Key
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
