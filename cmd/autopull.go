package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/models"
)

var autopullCmd = &cobra.Command{
	Use:   "autopull",
	Short: "Manage background replication",
}

var autopullEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable background replication",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		cfg, err := eng.settings.SetEnabled(cmd.Context(), true)
		if err != nil {
			return err
		}
		fmt.Printf("auto-pull enabled, interval %s\n", cfg.Interval())
		return nil
	},
}

var autopullDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable background replication",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if _, err := eng.settings.SetEnabled(cmd.Context(), false); err != nil {
			return err
		}
		fmt.Println("auto-pull disabled")
		return nil
	},
}

var autopullIntervalCmd = &cobra.Command{
	Use:   "interval <seconds>",
	Short: "Set the replication interval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", args[0], err)
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		cfg, err := eng.settings.SetInterval(cmd.Context(), seconds)
		if err != nil {
			return err
		}
		fmt.Printf("auto-pull interval set to %s\n", cfg.Interval())
		return nil
	},
}

var autopullResetCmd = &cobra.Command{
	Use:   "reset [entity]",
	Short: "Reset replication watermarks, forcing a full pull",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		ctx := cmd.Context()

		if len(args) == 0 {
			if err := eng.states.ResetAll(ctx); err != nil {
				return err
			}
			fmt.Println("all watermarks reset; next cycle runs full pulls")
			return nil
		}

		entity := models.EntityType(args[0])
		if !entity.Valid() {
			return fmt.Errorf("unknown entity %q", args[0])
		}
		if err := eng.states.Reset(ctx, entity); err != nil {
			return err
		}
		fmt.Printf("%s watermark reset\n", entity)
		return nil
	},
}

func init() {
	autopullCmd.AddCommand(autopullEnableCmd)
	autopullCmd.AddCommand(autopullDisableCmd)
	autopullCmd.AddCommand(autopullIntervalCmd)
	autopullCmd.AddCommand(autopullResetCmd)
	rootCmd.AddCommand(autopullCmd)
}
