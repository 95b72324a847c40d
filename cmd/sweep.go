// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	var schedule string
	var journalHorizonDays int
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the retention sweeper",
		Long: `Run the retention sweeper.

Each sweep deletes backups past their retention deadline, and prunes
successful journal entries and completed and failed job rows older than the
journal horizon. With --once the sweep runs a single time and exits;
otherwise it runs on the given cron schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, closer, err := newController(ctx)
			if err != nil {
				return err
			}
			defer closer()

			horizon := time.Duration(journalHorizonDays) * 24 * time.Hour

			if once {
				_, err := c.SweepRetention(ctx, horizon)
				return err
			}

			logger := newLogger()
			runner := cron.New()
			if _, err := runner.AddFunc(schedule, func() {
				if _, err := c.SweepRetention(ctx, horizon); err != nil {
					logger.Info("retention sweep failed", "error", err.Error())
				}
			}); err != nil {
				return err
			}

			runner.Start()
			<-ctx.Done()

			stopCtx := runner.Stop()
			<-stopCtx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "0 3 * * *", "cron schedule for the sweep")
	cmd.Flags().IntVar(&journalHorizonDays, "journal-horizon-days", 180, "age in days past which successful journal entries and finished job rows are pruned; 0 keeps them forever")
	cmd.Flags().BoolVar(&once, "once", false, "run one sweep and exit")
	return cmd
}
