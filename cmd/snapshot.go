package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/syncmanager"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage the local cache safety snapshot",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		taken, err := eng.manager.Snapshots().Create(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("snapshot taken at %s\n", taken.Format(time.RFC3339))
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local cache with the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if confirmFlag != syncmanager.ConfirmToken {
			return fmt.Errorf("this overwrites the local cache; pass --confirm %s to proceed", syncmanager.ConfirmToken)
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		taken, err := eng.manager.Snapshots().Restore(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("restored snapshot from %s\n", taken.Format(time.RFC3339))
		return nil
	},
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show when the snapshot was taken",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		taken, ok, err := eng.manager.Snapshots().Time(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no snapshot")
			return nil
		}
		fmt.Printf("snapshot taken at %s\n", taken.Format(time.RFC3339))
		return nil
	},
}

func init() {
	snapshotRestoreCmd.Flags().StringVar(&confirmFlag, "confirm", "", "confirmation token for destructive operations")
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotInfoCmd)
	rootCmd.AddCommand(snapshotCmd)
}
