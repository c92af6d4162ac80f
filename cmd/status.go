package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show data mode, cache contents and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		ctx := cmd.Context()

		fmt.Printf("mode: %s\n", eng.factory.Mode())

		fmt.Println("\nlocal cache:")
		for _, entity := range models.AllEntities() {
			n, err := eng.store.Count(ctx, entity)
			if err != nil {
				return err
			}
			fmt.Printf("  %-14s %d\n", entity, n)
		}

		stats, err := eng.queue.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\noutbox: %d pending, %d failed, %d sent\n",
			stats.Pending, stats.Failed, stats.Sent)
		if stats.OldestPending != nil {
			fmt.Printf("  oldest pending: %s (%s)\n",
				stats.OldestPending.Op, stats.OldestPending.CreatedAt.Format(time.RFC3339))
		}
		if stats.LatestFailed != nil {
			fmt.Printf("  latest failed:  %s: %s\n",
				stats.LatestFailed.Op, stats.LatestFailed.LastError)
		}

		cfg, err := eng.settings.Load(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nauto-pull: enabled=%v interval=%s\n", cfg.Enabled, cfg.Interval())

		tableStates, err := eng.states.All(ctx)
		if err != nil {
			return err
		}
		for _, entity := range models.AllEntities() {
			state := tableStates[entity]
			line := "never"
			if state.LastPulledAt != nil {
				line = state.LastPulledAt.Format(time.RFC3339)
			}
			if state.LastError != "" {
				line += " (last error: " + state.LastError + ")"
			}
			fmt.Printf("  %-14s %s\n", entity, line)
		}

		if cycle, ok, err := eng.puller.LastCycle(ctx); err != nil {
			return err
		} else if ok {
			fmt.Printf("\nlast pull cycle: %s (%d records in %dms)\n",
				cycle.StartedAt.Format(time.RFC3339), cycle.Records, cycle.DurationMS)
			if cycle.LastError != "" {
				fmt.Printf("  %s\n", cycle.LastError)
			}
		}

		if last, ok, err := eng.manager.LastSyncTime(ctx); err != nil {
			return err
		} else if ok {
			fmt.Printf("\nlast reconciliation: %s\n", last.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
