package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/syncmanager"
)

// confirmFlag gates destructive commands; one command runs per process
// so the commands share it.
var confirmFlag string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local cache with the remote service",
}

var syncStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compare record counts on both backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		stats, err := eng.manager.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %8s %8s\n", "entity", "local", "remote")
		for _, entity := range models.AllEntities() {
			remoteCount := "-"
			if stats.Remote != nil {
				remoteCount = fmt.Sprintf("%d", stats.Remote[entity])
			}
			fmt.Printf("%-14s %8d %8s\n", entity, stats.Local[entity], remoteCount)
		}
		if stats.LastSyncAt != nil {
			fmt.Printf("\nlast reconciliation: %s\n", stats.LastSyncAt.Format(time.RFC3339))
		}
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload every local record to the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.requireRemote(); err != nil {
			return err
		}

		var lastEntity models.EntityType
		result, err := eng.manager.PushLocalToRemote(cmd.Context(), func(entity models.EntityType, done, total int) {
			if entity != lastEntity {
				lastEntity = entity
				fmt.Printf("  %s: %d records\n", entity, total)
			}
		})
		if err != nil {
			return err
		}
		fmt.Printf("created %d, updated %d, skipped %d\n", result.Created, result.Updated, result.Skipped)
		for _, recErr := range result.Errors {
			fmt.Printf("  error: %v\n", recErr)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d records failed", len(result.Errors))
		}
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local cache with the remote contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.requireRemote(); err != nil {
			return err
		}

		result, err := eng.manager.PullRemoteToLocal(cmd.Context(), nil)
		if err != nil {
			return err
		}
		for _, entity := range models.AllEntities() {
			fmt.Printf("  %-14s %d\n", entity, result.Tables[entity])
		}
		fmt.Printf("pulled %d records; previous cache saved as snapshot\n", result.Records)
		return nil
	},
}

var syncCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check integrity across both backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.manager.CheckIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if report.Clean() {
			fmt.Println("no issues found")
			return nil
		}
		hadErrors := false
		for _, issue := range report.Issues {
			fmt.Printf("[%s] %s: %s\n", issue.Severity, issue.Entity, issue.Message)
			if issue.Severity == syncmanager.SeverityError {
				hadErrors = true
			}
		}
		if hadErrors {
			return fmt.Errorf("integrity errors found")
		}
		return nil
	},
}

var syncClearLocalCmd = &cobra.Command{
	Use:   "clear-local",
	Short: "Empty the local cache and reset replication watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.manager.ClearLocal(cmd.Context(), confirmFlag); err != nil {
			return err
		}
		fmt.Println("local cache cleared")
		return nil
	},
}

var syncClearRemoteCmd = &cobra.Command{
	Use:   "clear-remote",
	Short: "Delete every record from the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.requireRemote(); err != nil {
			return err
		}

		deleted, err := eng.manager.ClearRemote(cmd.Context(), confirmFlag)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d remote records\n", deleted)
		return nil
	},
}

func init() {
	syncClearLocalCmd.Flags().StringVar(&confirmFlag, "confirm", "", "confirmation token for destructive operations")
	syncClearRemoteCmd.Flags().StringVar(&confirmFlag, "confirm", "", "confirmation token for destructive operations")
	syncCmd.AddCommand(syncStatsCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncCheckCmd)
	syncCmd.AddCommand(syncClearLocalCmd)
	syncCmd.AddCommand(syncClearRemoteCmd)
	rootCmd.AddCommand(syncCmd)
}
