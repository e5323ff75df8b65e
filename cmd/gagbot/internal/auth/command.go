package auth

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal"
	"github.com/tinyland-inc/gagbot/pkg/auth"
	"github.com/tinyland-inc/gagbot/pkg/config"
)

func NewAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Discord bot token",
	}

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store a Discord bot token in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.ReadToken(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}

			path := internal.GetConfigPath()
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			cfg.Discord.Token = token
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("error saving config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nToken saved to %s\n", path)
			return nil
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored Discord bot token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := internal.GetConfigPath()
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			cfg.Discord.Token = ""
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("error saving config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed")
			return nil
		},
	}

	cmd.AddCommand(loginCmd, logoutCmd)
	return cmd
}
