package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/config"
	"github.com/palss/localsync/internal/repo"
)

var modeCmd = &cobra.Command{
	Use:   "mode [local|remote]",
	Short: "Show or switch the data mode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Println(config.Mode())
			return nil
		}

		mode, err := repo.ParseMode(args[0])
		if err != nil {
			return err
		}
		if mode == repo.ModeRemote && !config.IsAuthenticated() {
			return fmt.Errorf("cannot switch to remote mode: not logged in; run: palss auth login")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.Mode = string(mode)
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("mode set to %s\n", mode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modeCmd)
}
