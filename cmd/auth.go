package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/config"
	"github.com/palss/localsync/internal/remote"
)

var (
	loginAPIKey string
	loginOrgID  string
	loginUserID string
	loginEmail  string
	loginURL    string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage remote service credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials for the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginAPIKey == "" {
			return fmt.Errorf("--api-key is required")
		}

		if loginURL != "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Remote.URL = loginURL
			if err := config.Save(cfg); err != nil {
				return err
			}
		}

		deviceID, err := config.DeviceID()
		if err != nil {
			return err
		}
		creds := &config.Credentials{
			APIKey:   loginAPIKey,
			OrgID:    loginOrgID,
			UserID:   loginUserID,
			Email:    loginEmail,
			DeviceID: deviceID,
		}

		// Verify before persisting so a typo'd key fails here, not on
		// the first queued write.
		client := remote.New(config.RemoteURL(), creds.APIKey, creds.OrgID)
		if err := client.HealthCheck(cmd.Context()); err != nil {
			return fmt.Errorf("remote service check failed: %w", err)
		}

		if err := config.SaveAuth(creds); err != nil {
			return err
		}
		fmt.Printf("logged in to %s\n", config.RemoteURL())
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearAuth(); err != nil {
			return err
		}
		fmt.Println("logged out")
		return nil
	},
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := config.LoadAuth()
		if err != nil {
			return err
		}
		if creds == nil || creds.APIKey == "" {
			fmt.Println("not logged in")
			return nil
		}
		fmt.Printf("user:   %s\n", creds.UserID)
		fmt.Printf("email:  %s\n", creds.Email)
		fmt.Printf("org:    %s\n", creds.OrgID)
		fmt.Printf("device: %s\n", creds.DeviceID)
		fmt.Printf("remote: %s\n", config.RemoteURL())
		return nil
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "API key for the remote service")
	authLoginCmd.Flags().StringVar(&loginOrgID, "org", "", "organization id")
	authLoginCmd.Flags().StringVar(&loginUserID, "user", "", "user id")
	authLoginCmd.Flags().StringVar(&loginEmail, "email", "", "user email")
	authLoginCmd.Flags().StringVar(&loginURL, "url", "", "remote service URL (persisted to config)")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authWhoamiCmd)
	rootCmd.AddCommand(authCmd)
}
