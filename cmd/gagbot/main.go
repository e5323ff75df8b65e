package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal"
	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal/auth"
	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal/migrate"
	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal/serve"
	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal/tiers"
	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal/version"
)

func NewGagbotCommand() *cobra.Command {
	short := fmt.Sprintf("%s gagbot - Discord membership tier bot v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "gagbot",
		Short:   short,
		Example: "gagbot serve",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		tiers.NewTiersCommand(),
		migrate.NewMigrateCommand(),
		auth.NewAuthCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewGagbotCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
