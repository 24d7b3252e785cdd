package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/autobackup/internal/backup"
	"github.com/MacJediWizard/autobackup/internal/filetypes"
)

func newDaemonCmd(configPath *string) *cobra.Command {
	var flow string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Check the schedule periodically and run due cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := backup.ParseFlow(flow)
			if err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				opts := backup.CycleOptions{Flow: f, SourceRoot: a.home}
				if a.cfg.Sources.DiskCategory != "" {
					if opts.Category, err = filetypes.ParseCategory(a.cfg.Sources.DiskCategory); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "autobackup %s starting...\n", Version)
				fmt.Fprintf(cmd.OutOrStdout(), "Check interval: %s\n", a.cfg.Schedule.CheckInterval)
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon running. Press Ctrl+C to stop.")
				return runDaemon(ctx, a.manager, opts, a.cfg.Schedule.CheckInterval.D(), a.logger)
			})
		},
	}

	cmd.Flags().StringVar(&flow, "flow", string(backup.FlowSpecified), "backup flow (specified, disk)")

	return cmd
}

// cycleRunner is the part of the manager the daemon drives.
type cycleRunner interface {
	RunCycle(ctx context.Context, opts backup.CycleOptions) *backup.CycleReport
}

// runDaemon checks once immediately, then every interval until ctx is
// cancelled or the process receives SIGINT or SIGTERM. Overlapping checks
// are skipped.
func runDaemon(ctx context.Context, runner cycleRunner, opts backup.CycleOptions, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("check interval must be positive, got %s", interval)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger = logger.With().Str("component", "daemon").Logger()
	check := func() {
		report := runner.RunCycle(ctx, opts)
		if report.SkipReason != "" {
			logger.Debug().Str("reason", report.SkipReason).Msg("cycle skipped")
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), check); err != nil {
		return fmt.Errorf("schedule checks: %w", err)
	}

	check()
	c.Start()
	logger.Info().Dur("interval", interval).Msg("daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	<-c.Stop().Done()
	return nil
}
