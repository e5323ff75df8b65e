package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tinyland-inc/gagbot/cmd/gagbot/internal"
	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/channels"
	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/config"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/promote"
	"github.com/tinyland-inc/gagbot/pkg/schedule"
)

func serveCmd(parent context.Context, debug, noSchedule bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config (run `gagbot auth login` to set a token): %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	st, err := internal.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	msgBus := bus.NewMessageBus()
	reactions := bus.NewReactionBus()

	discord, err := channels.NewDiscordChannel(cfg.Discord, msgBus, reactions)
	if err != nil {
		return err
	}

	engine := promote.NewEngine(promote.Deps{
		Directory: discord,
		Config:    st,
		UI:        discord,
		History:   discord,
		Roles:     discord,
		Reactions: reactions,
		Clock:     clock.Real(),
	}, engineOptions(cfg.Promote))
	dispatcher := channels.NewDispatcher(msgBus, engine, st, discord, discord, clock.Real())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := discord.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("%s gagbot %s connected. Press Ctrl+C to stop\n", internal.Logo, internal.FormatVersion())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	if cfg.Schedule.Enabled && !noSchedule {
		sched := schedule.New(st, engine, discord, clock.Real())
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
		fmt.Println("✓ Sweep scheduler started")
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	// Pending prompts resolve as cancelled once ctx is done; wait for them
	// before closing the gateway so their final edits go out.
	wg.Wait()
	msgBus.Close()
	reactions.Close()
	if err := discord.Stop(context.Background()); err != nil {
		logger.WarnCF("serve", "Error closing Discord session", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}

func engineOptions(p config.PromoteConfig) promote.Options {
	return promote.Options{
		ConfirmTimeout: p.ConfirmTimeout(),
		PageSize:       p.HistoryPageSize,
		MaxPages:       p.HistoryMaxPages,
		RunHistory:     p.RunHistory,
	}
}
