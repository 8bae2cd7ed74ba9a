package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID string
	initRole   string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "signed-in user id")
	initCmd.Flags().StringVar(&initRole, "role", "Student", "role: Student or Instructor")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.courseloop/config.toml",
	Long:  "Initialize the CLI by storing your API token and chat identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initRole != "" {
			cfg.Auth.Role = initRole
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
