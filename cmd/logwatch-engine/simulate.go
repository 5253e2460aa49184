package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

func newSimulateCmd(v *viper.Viper) *cobra.Command {
	var (
		file   string
		notify bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a log file through the pipeline and print reports as JSON Lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), v, file, notify)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Log file (JSON array or JSON Lines, optionally gzip-compressed)")
	cmd.Flags().BoolVar(&notify, "notify-email", false, "Email reports when email is configured")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSimulate(parent context.Context, v *viper.Viper, file string, notify bool) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	application, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.close(context.Background(), logger)

	sess, err := application.service.StartSimulation(ctx, f, notify)
	if err != nil {
		return err
	}
	events, err := sess.Stream(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	var last models.StreamEvent
	for ev := range events {
		last = ev
		if err := enc.Encode(api.StreamPayload(ev)); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	info := sess.Info()
	logger.Info("simulation finished",
		slog.String("session", info.ID),
		slog.String("state", string(last.State)),
		slog.Int("reports", last.Total),
		slog.Int64("events", info.Stats.EventsIngested),
		slog.Int64("skipped", info.Stats.RecordsSkipped),
	)
	if last.State != models.SessionCompleted {
		return fmt.Errorf("simulation ended in state %s: %s", info.State, firstNonEmpty(info.LastError, info.AbortReason))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
