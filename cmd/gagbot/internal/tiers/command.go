package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal"
	"github.com/tinyland-inc/gagbot/pkg/schedule"
	"github.com/tinyland-inc/gagbot/pkg/store"
	tiercfg "github.com/tinyland-inc/gagbot/pkg/tiers"
)

func NewTiersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Inspect and edit per-guild promotion settings",
		Example: `  gagbot tiers list
  gagbot tiers show 123456789
  gagbot tiers set-roles 123456789 --junior 2222 --full 3333
  gagbot tiers schedule set 123456789 "0 12 * * 1" --channel 4444 --operator 5555`,
	}

	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newSetNewRoleCommand(),
		newSetRolesCommand(),
		newSetRulesCommand(),
		newScheduleCommand(),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(ctx context.Context, st *store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := internal.LoadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		st, err := internal.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd.Context(), st)
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List guilds with stored settings and whether they can run promotions",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				guilds, err := st.Guilds(ctx)
				if err != nil {
					return err
				}
				out := c.OutOrStdout()
				if len(guilds) == 0 {
					fmt.Fprintln(out, "No guilds configured")
					return nil
				}
				for _, id := range guilds {
					cfg, err := st.TierConfig(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s  %s\n", id, configState(cfg))
				}
				return nil
			})(c, args)
		},
	}
}

// configState summarizes whether cfg is complete enough to run.
func configState(cfg *tiercfg.TierConfig) string {
	if cfg == nil {
		return "not configured"
	}
	err := cfg.Validate()
	if err == nil {
		return "ready"
	}
	var cfgErr *tiercfg.ConfigError
	if errors.As(err, &cfgErr) {
		return fmt.Sprintf("incomplete (%d problems)", len(cfgErr.Problems))
	}
	return "invalid: " + err.Error()
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <guild-id>",
		Short: "Print the stored settings of a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				cfg, err := st.TierConfig(ctx, args[0])
				if err != nil {
					return err
				}
				out := c.OutOrStdout()
				if cfg == nil {
					fmt.Fprintf(out, "Guild %s has no promotion settings\n", args[0])
					return nil
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				if verr := cfg.Validate(); verr != nil {
					fmt.Fprintf(out, "\n%v\n", verr)
				}
				return nil
			})(c, args)
		},
	}
}

func newSetNewRoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-new-role <guild-id> <role-id>",
		Short: "Set the role given to new members",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				if err := st.SetNewRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "New member role updated")
				return nil
			})(c, args)
		},
	}
}

func newSetRolesCommand() *cobra.Command {
	var junior, full string
	cmd := &cobra.Command{
		Use:   "set-roles <guild-id>",
		Short: "Set the junior and full member roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				if err := st.SetRoles(ctx, args[0], junior, full); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "Promotion roles updated")
				return nil
			})(c, args)
		},
	}
	cmd.Flags().StringVar(&junior, "junior", "", "Junior member role id")
	cmd.Flags().StringVar(&full, "full", "", "Full member role id")
	_ = cmd.MarkFlagRequired("junior")
	_ = cmd.MarkFlagRequired("full")
	return cmd
}

func newSetRulesCommand() *cobra.Command {
	var rules store.Rules
	cmd := &cobra.Command{
		Use:   "set-rules <guild-id>",
		Short: "Set the activity channels and thresholds",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			for name, v := range map[string]int{
				"new-min-messages":    rules.NewMinMessages,
				"junior-min-messages": rules.JuniorMinMessages,
				"junior-min-age":      rules.JuniorMinAgeDays,
				"new-message-max-age": rules.NewMessageMaxAgeDays,
			} {
				if v < 0 {
					return fmt.Errorf("--%s must not be negative", name)
				}
			}
			return withStore(func(ctx context.Context, st *store.Store) error {
				if err := st.SetRules(ctx, args[0], rules); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "Promotion rules updated")
				return nil
			})(c, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&rules.NewChatChannel, "new-chat", "", "Channel new members must post in")
	f.StringVar(&rules.JuniorChatChannel, "junior-chat", "", "Channel junior members must post in")
	f.IntVar(&rules.NewMinMessages, "new-min-messages", 0, "Messages a new member needs to become junior")
	f.IntVar(&rules.JuniorMinMessages, "junior-min-messages", 0, "Messages a junior member needs to become full")
	f.IntVar(&rules.JuniorMinAgeDays, "junior-min-age", 0, "Days of membership before junior to full")
	f.IntVar(&rules.NewMessageMaxAgeDays, "new-message-max-age", 0, "Only count new member messages this many days old")
	_ = cmd.MarkFlagRequired("new-chat")
	_ = cmd.MarkFlagRequired("junior-chat")
	return cmd
}

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring promotion sweeps",
	}

	var channelID, operatorID string
	setCmd := &cobra.Command{
		Use:   "set <guild-id> <cron>",
		Short: "Run promotions for a guild on a cron schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			if err := schedule.Validate(args[1]); err != nil {
				return err
			}
			return withStore(func(ctx context.Context, st *store.Store) error {
				err := st.SetSchedule(ctx, store.Schedule{
					GuildID:    args[0],
					Cron:       args[1],
					ChannelID:  channelID,
					OperatorID: operatorID,
				})
				if err != nil {
					return err
				}
				next, _ := schedule.Next(args[1], time.Now())
				fmt.Fprintf(c.OutOrStdout(), "Sweep scheduled, next run %s\n", next.Format(time.RFC1123))
				return nil
			})(c, args)
		},
	}
	setCmd.Flags().StringVar(&channelID, "channel", "", "Channel to post proposals in")
	setCmd.Flags().StringVar(&operatorID, "operator", "", "User allowed to confirm proposals")
	_ = setCmd.MarkFlagRequired("channel")
	_ = setCmd.MarkFlagRequired("operator")

	offCmd := &cobra.Command{
		Use:   "off <guild-id>",
		Short: "Stop scheduled sweeps for a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				if err := st.DeleteSchedule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "Sweep removed")
				return nil
			})(c, args)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled sweeps",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				scheds, err := st.Schedules(ctx)
				if err != nil {
					return err
				}
				printSchedules(c.OutOrStdout(), scheds, time.Now())
				return nil
			})(c, args)
		},
	}

	cmd.AddCommand(setCmd, offCmd, listCmd)
	return cmd
}

func printSchedules(w io.Writer, scheds []store.Schedule, now time.Time) {
	if len(scheds) == 0 {
		fmt.Fprintln(w, "No scheduled sweeps")
		return
	}
	for _, s := range scheds {
		last := "never"
		if !s.LastRun.IsZero() {
			last = s.LastRun.Format(time.RFC3339)
		}
		next := "invalid"
		if t, err := schedule.Next(s.Cron, now); err == nil {
			next = t.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %s  channel=%s operator=%s last=%s next=%s\n",
			s.GuildID, strings.TrimSpace(s.Cron), s.ChannelID, s.OperatorID, last, next)
	}
}
