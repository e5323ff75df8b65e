// Package schedule starts promotion runs on a per-guild cron schedule. A
// scheduled run still waits for the configured operator to confirm each
// batch.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/promote"
	"github.com/tinyland-inc/gagbot/pkg/store"
)

// Source lists sweeps and records when they ran.
type Source interface {
	Schedules(ctx context.Context) ([]store.Schedule, error)
	MarkSwept(ctx context.Context, guildID string, at time.Time) error
}

// Runner starts a promotion run.
type Runner interface {
	RunPromotion(ctx context.Context, req promote.Request) (*promote.Result, error)
}

// Reporter posts sweep status to the channel a sweep runs in.
type Reporter interface {
	Post(ctx context.Context, channelID string, p confirm.Prompt) (string, error)
}

// Validate rejects cron expressions gronx cannot evaluate.
func Validate(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// Next returns the first time after t that expr is due.
func Next(expr string, t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, t, false)
}

// Scheduler checks every sweep once a minute.
type Scheduler struct {
	src    Source
	runner Runner
	out    Reporter
	clock  clock.Clock
	gron   *gronx.Gronx

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New returns a Scheduler. A nil out leaves sweep failures in the log
// only.
func New(src Source, runner Runner, out Reporter, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		src:      src,
		runner:   runner,
		out:      out,
		clock:    clk,
		gron:     gronx.New(),
		inflight: make(map[string]bool),
	}
}

// Start ticks every minute until ctx is done, then waits for launched
// runs to return.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.InfoC("schedule", "Sweep scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.InfoC("schedule", "Sweep scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick launches every sweep due at now and returns the guild ids started.
// A guild whose previous sweep is still waiting on the operator is
// skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	schedules, err := s.src.Schedules(ctx)
	if err != nil {
		logger.ErrorCF("schedule", "Failed to list sweeps", map[string]any{"error": err.Error()})
		return nil
	}

	minute := now.Truncate(time.Minute)
	var started []string
	for _, sched := range schedules {
		due, err := s.gron.IsDue(sched.Cron, minute)
		if err != nil {
			logger.WarnCF("schedule", "Skipping sweep with bad cron expression", map[string]any{
				"guild_id": sched.GuildID,
				"cron":     sched.Cron,
				"error":    err.Error(),
			})
			continue
		}
		if !due || !sched.LastRun.Before(minute) {
			continue
		}
		if !s.claim(sched.GuildID) {
			logger.WarnCF("schedule", "Previous sweep still pending, skipping", map[string]any{
				"guild_id": sched.GuildID,
			})
			continue
		}
		if err := s.src.MarkSwept(ctx, sched.GuildID, minute); err != nil {
			logger.WarnCF("schedule", "Failed to record sweep time", map[string]any{
				"guild_id": sched.GuildID,
				"error":    err.Error(),
			})
		}

		started = append(started, sched.GuildID)
		s.wg.Add(1)
		go s.sweep(ctx, sched)
	}
	return started
}

func (s *Scheduler) sweep(ctx context.Context, sched store.Schedule) {
	defer s.wg.Done()
	defer s.release(sched.GuildID)

	logger.InfoCF("schedule", "Starting scheduled promotion sweep", map[string]any{
		"guild_id":   sched.GuildID,
		"channel_id": sched.ChannelID,
	})
	_, err := s.runner.RunPromotion(ctx, promote.Request{
		GuildID:   sched.GuildID,
		ChannelID: sched.ChannelID,
		Initiator: sched.OperatorID,
		Trigger:   promote.TriggerSchedule,
	})
	if err != nil {
		logger.ErrorCF("schedule", "Scheduled sweep failed", map[string]any{
			"guild_id": sched.GuildID,
			"error":    err.Error(),
		})
		// Sweeps cut short by shutdown are not failures worth posting.
		if ctx.Err() == nil {
			s.report(ctx, sched, err)
		}
	}
}

// report tells the sweep channel that a sweep failed and when the next
// one is due.
func (s *Scheduler) report(ctx context.Context, sched store.Schedule, runErr error) {
	if s.out == nil {
		return
	}
	desc := runErr.Error()
	if next, err := Next(sched.Cron, s.clock.Now()); err == nil {
		desc += fmt.Sprintf("\nNext run: <t:%d:F> (<t:%d:R>)", next.Unix(), next.Unix())
	}
	_, err := s.out.Post(ctx, sched.ChannelID, confirm.Prompt{
		Title:       "Scheduled promotion failed",
		Description: desc,
		Flavour:     confirm.FlavourError,
	})
	if err != nil {
		logger.WarnCF("schedule", "Failed to post sweep status", map[string]any{
			"guild_id":   sched.GuildID,
			"channel_id": sched.ChannelID,
			"error":      err.Error(),
		})
	}
}

// Wait blocks until every launched sweep has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) claim(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[guildID] {
		return false
	}
	s.inflight[guildID] = true
	return true
}

func (s *Scheduler) release(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, guildID)
}
