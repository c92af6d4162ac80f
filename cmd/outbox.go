package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/outbox"
	"github.com/palss/localsync/internal/syncmanager"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry queued mutations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		items, err := eng.queue.Items(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("outbox is empty")
			return nil
		}
		for _, item := range items {
			fmt.Printf("%s  %-8s %-22s retries=%d  %s\n",
				item.ID, item.Status, item.Op, item.RetryCount,
				item.CreatedAt.Format(time.RFC3339))
			if item.LastError != "" {
				fmt.Printf("    last error: %s\n", item.LastError)
			}
		}
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry one queued mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		ctx := cmd.Context()

		item, ok, err := eng.queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no outbox item %s", args[0])
		}
		if item.Status == outbox.StatusSent {
			fmt.Println("already sent")
			return nil
		}

		sent, err := eng.writer.Retry(ctx, item)
		if sent {
			fmt.Printf("sent %s\n", item.Op)
			return nil
		}
		return fmt.Errorf("retry %s: %w", item.Op, err)
	},
}

var outboxRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every pending and failed mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		sent, unsent, err := eng.writer.RetryAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("sent %d, %d still queued\n", sent, unsent)
		return nil
	},
}

var outboxCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Trim sent history",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		removed, err := eng.queue.CleanupSent(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d sent items\n", removed)
		return nil
	},
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued mutation, including unsent ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if confirmFlag != syncmanager.ConfirmToken {
			return fmt.Errorf("this drops unsent writes; pass --confirm %s to proceed", syncmanager.ConfirmToken)
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.queue.ClearAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("outbox cleared")
		return nil
	},
}

func init() {
	outboxClearCmd.Flags().StringVar(&confirmFlag, "confirm", "", "confirmation token for destructive operations")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxRetryAllCmd)
	outboxCmd.AddCommand(outboxCleanupCmd)
	outboxCmd.AddCommand(outboxClearCmd)
	rootCmd.AddCommand(outboxCmd)
}
