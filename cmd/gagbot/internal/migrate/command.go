package migrate

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal"
	"github.com/tinyland-inc/gagbot/pkg/migrate"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import settings from other formats",
		Example: `  gagbot migrate legacy --input guilds.json
  gagbot migrate legacy --input guilds.json --dry-run`,
	}

	var opts migrate.LegacyOptions

	legacyCmd := &cobra.Command{
		Use:   "legacy",
		Short: "Import tier settings from an exported guilds collection",
		Args:  cobra.NoArgs,
		Example: `  gagbot migrate legacy --input guilds.json
  gagbot migrate legacy --input guilds.json --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Out = cmd.OutOrStdout()
			if opts.DryRun {
				result, err := migrate.RunLegacy(cmd.Context(), opts, nil)
				if err != nil {
					return err
				}
				printWarnings(cmd.ErrOrStderr(), result.Warnings)
				return nil
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			st, err := internal.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := migrate.RunLegacy(cmd.Context(), opts, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.Out, "Imported %d of %d guilds\n", len(result.Migrated), result.Guilds)
			printWarnings(opts.Out, result.Warnings)
			return nil
		},
	}

	legacyCmd.Flags().StringVarP(&opts.InputPath, "input", "i", "",
		"JSON array export of the legacy guilds collection")
	legacyCmd.Flags().BoolVar(&opts.DryRun, "dry-run", false,
		"Print the converted settings without writing them")
	_ = legacyCmd.MarkFlagRequired("input")

	cmd.AddCommand(legacyCmd)
	return cmd
}

func printWarnings(w io.Writer, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w, "\nWarnings:")
	for _, warning := range warnings {
		fmt.Fprintf(w, "  - %s\n", warning)
	}
}
