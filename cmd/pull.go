package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run one replication cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.requireRemote(); err != nil {
			return err
		}

		summary, err := eng.puller.RunCycle(cmd.Context())
		if err != nil {
			return err
		}

		for _, table := range summary.Tables {
			kind := "incremental"
			if table.Full {
				kind = "full"
			}
			if table.Err != nil {
				fmt.Printf("  %-14s %s: error: %v\n", table.Entity, kind, table.Err)
				continue
			}
			fmt.Printf("  %-14s %s: %d records\n", table.Entity, kind, table.Pulled)
		}
		fmt.Printf("pulled %d records in %s (%d table errors)\n",
			summary.Records, summary.Duration.Round(time.Millisecond), summary.Errors)
		if summary.Errors > 0 {
			return fmt.Errorf("%d tables failed", summary.Errors)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
