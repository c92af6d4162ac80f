package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/autopull"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the replication scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.requireRemote(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		scheduler := autopull.NewScheduler(eng.puller, eng.settings, eng.factory, eng.writer, eng.logger())
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		if !scheduler.Running() {
			return fmt.Errorf("auto-pull is disabled; enable it with: palss autopull enable")
		}

		<-ctx.Done()
		scheduler.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
