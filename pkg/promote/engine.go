// Package promote runs a promotion pass for a guild: it checks the tier
// configuration, sorts the roster into cleanup and promotion buckets,
// verifies chat activity for promotions and asks the operator to confirm
// each batch before any role changes.
package promote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tinyland-inc/gagbot/pkg/activity"
	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/mutator"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	statusCalculating = "Calculating promotions..."
	nothingToDo       = "All up-to-date, no changes required :)"
)

// Directory looks up live guild state. ResolveRole and ResolveChannel
// return nil without error when the id no longer exists.
type Directory interface {
	FetchRoster(ctx context.Context, guildID string) ([]tiers.Member, error)
	ResolveRole(ctx context.Context, guildID, roleID string) (*tiers.Role, error)
	ResolveChannel(ctx context.Context, guildID, channelID string) (*tiers.Channel, error)
}

// ConfigStore loads the tier configuration of a guild. A guild that never
// configured promotions yields nil.
type ConfigStore interface {
	TierConfig(ctx context.Context, guildID string) (*tiers.TierConfig, error)
}

// UI is the message surface of a run.
type UI interface {
	confirm.UI
	Delete(ctx context.Context, channelID, messageID string) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Directory Directory
	Config    ConfigStore
	UI        UI
	History   activity.History
	Roles     mutator.RoleMutator
	Reactions *bus.ReactionBus
	Clock     clock.Clock
}

// Options tune an Engine. Zero values select defaults.
type Options struct {
	ConfirmTimeout time.Duration
	PageSize       int
	MaxPages       int
	RunHistory     int
}

// Trigger says what started a run.
type Trigger string

const (
	TriggerCommand  Trigger = "command"
	TriggerSchedule Trigger = "schedule"
)

// Request starts a run. Initiator is the only user whose reactions can
// confirm the resulting proposals.
//
// ForceMemberID, when set, names a member who is proposed for the next
// tier without the age, role and activity checks. Everyone else in the
// guild is checked as usual, and the forced change still needs
// confirmation.
type Request struct {
	GuildID       string
	ChannelID     string
	Initiator     string
	Trigger       Trigger
	ForceMemberID string
}

// Action names one of the four batches a run can propose.
type Action string

const (
	ActionCleanupNew    Action = "cleanup-new"
	ActionCleanupJunior Action = "cleanup-junior"
	ActionNewToJunior   Action = "new-to-junior"
	ActionJuniorToFull  Action = "junior-to-full"
)

// Result summarizes a run. Buckets hold the members proposed after
// activity checks.
type Result struct {
	RunID       string
	Buckets     tiers.ActionBucket
	Evidence    map[Action]activity.Evidence
	Outcomes    map[Action]confirm.Outcome
	Reports     map[Action]*mutator.Report
	Errors      map[Action]error
	NothingToDo bool
	// Forced is the batch the forced member was added to, if any.
	Forced Action
}

// ResolutionError reports a configured role or channel that could not be
// used.
type ResolutionError struct {
	Kind   string // "role" or "channel"
	Name   string
	ID     string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s %s (%s) %s", e.Kind, e.Name, e.ID, e.Reason)
}

// Engine runs promotion passes. It is safe for concurrent use.
type Engine struct {
	dir      Directory
	config   ConfigStore
	ui       UI
	roles    mutator.RoleMutator
	clock    clock.Clock
	verifier *activity.Verifier
	broker   *confirm.Broker
	runs     *Runs
}

func NewEngine(d Deps, o Options) *Engine {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		dir:      d.Directory,
		config:   d.Config,
		ui:       d.UI,
		roles:    d.Roles,
		clock:    clk,
		verifier: activity.NewVerifier(d.History, activity.WithPageSize(o.PageSize), activity.WithMaxPages(o.MaxPages)),
		broker:   confirm.NewBroker(d.UI, d.Reactions, clk, o.ConfirmTimeout),
		runs:     NewRuns(clk, o.RunHistory),
	}
}

// Runs exposes the run registry.
func (e *Engine) Runs() *Runs { return e.runs }

// resolved holds the live objects behind a TierConfig.
type resolved struct {
	newRole, juniorRole, fullRole tiers.Role
	newChat, juniorChat           tiers.Channel
}

// RunPromotion performs one promotion pass and waits until every proposal
// it posted has been answered or has timed out. Configuration, resolution
// and retrieval failures abort the run before any proposal; a failed
// proposal is recorded in Result.Errors and does not affect the others.
func (e *Engine) RunPromotion(ctx context.Context, req Request) (*Result, error) {
	runID := e.runs.Begin(req)
	res, err := e.run(ctx, runID, req)
	e.runs.Finish(runID, res, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, runID string, req Request) (*Result, error) {
	fields := map[string]any{
		"run_id":    runID,
		"guild_id":  req.GuildID,
		"initiator": req.Initiator,
		"trigger":   string(req.Trigger),
	}
	if req.ForceMemberID != "" {
		fields["force_member_id"] = req.ForceMemberID
	}
	logger.InfoCF("promote", "Promotion run started", fields)

	cfg, err := e.config.TierConfig(ctx, req.GuildID)
	if err != nil {
		e.report(ctx, req.ChannelID, "Failed to load promotion settings")
		return nil, fmt.Errorf("load tier config for guild %s: %w", req.GuildID, err)
	}
	if cfg == nil {
		cfg = &tiers.TierConfig{}
	}
	if err := cfg.Validate(); err != nil {
		var cfgErr *tiers.ConfigError
		if errors.As(err, &cfgErr) {
			for _, p := range cfgErr.Problems {
				e.report(ctx, req.ChannelID, p.Message)
			}
		}
		logger.WarnCF("promote", "Promotion run aborted: invalid configuration", withErr(fields, err))
		return nil, err
	}

	statusID, err := e.ui.Post(ctx, req.ChannelID, confirm.Prompt{Title: statusCalculating})
	if err != nil {
		return nil, fmt.Errorf("post status message: %w", err)
	}
	statusOpen := true
	closeStatus := func() {
		if !statusOpen {
			return
		}
		statusOpen = false
		if err := e.ui.Delete(context.WithoutCancel(ctx), req.ChannelID, statusID); err != nil {
			logger.WarnCF("promote", "Failed to delete status message", withErr(fields, err))
		}
	}
	defer closeStatus()

	live, err := e.resolve(ctx, req.GuildID, cfg)
	if err != nil {
		var resErrs []*ResolutionError
		collectResolution(err, &resErrs)
		for _, re := range resErrs {
			e.report(ctx, req.ChannelID, re.Error())
		}
		if len(resErrs) == 0 {
			e.report(ctx, req.ChannelID, "Failed to look up promotion roles and channels")
		}
		logger.WarnCF("promote", "Promotion run aborted: resolution failed", withErr(fields, err))
		return nil, err
	}

	roster, err := e.dir.FetchRoster(ctx, req.GuildID)
	if err != nil {
		e.report(ctx, req.ChannelID, "Failed to fetch the member list")
		logger.ErrorCF("promote", "Promotion run aborted: roster fetch failed", withErr(fields, err))
		return nil, fmt.Errorf("fetch roster of guild %s: %w", req.GuildID, err)
	}

	now := e.clock.Now()
	bucket := tiers.Classify(roster, cfg, now)
	rules := cfg.Rules()

	forced, step := e.forcedMember(ctx, req, roster, cfg)
	if step != tiers.StepNone {
		bucket.NewToJunior = without(bucket.NewToJunior, forced.ID)
		bucket.JuniorToFull = without(bucket.JuniorToFull, forced.ID)
	}

	result := &Result{
		RunID:    runID,
		Evidence: make(map[Action]activity.Evidence),
		Outcomes: make(map[Action]confirm.Outcome),
		Reports:  make(map[Action]*mutator.Report),
		Errors:   make(map[Action]error),
	}

	if len(bucket.NewToJunior) > 0 {
		e.progress(ctx, req.ChannelID, statusID, live.newChat, live.newRole, rules.NewMinMessages)
		// Zero max age means no recency limit.
		var floor time.Time
		if rules.NewMessageMaxAgeDays > 0 {
			floor = now.Add(-rules.NewMessageMaxAge())
		}
		active, evidence, err := e.verifier.Verify(ctx, activity.Rule{
			ChannelID:   live.newChat.ID,
			MinMessages: rules.NewMinMessages,
			Cutoff:      activity.Cutoff(bucket.NewToJunior, floor),
		}, bucket.NewToJunior)
		if err != nil {
			e.report(ctx, req.ChannelID, "Failed to read #"+live.newChat.Name+" history")
			return nil, err
		}
		bucket.NewToJunior = active
		result.Evidence[ActionNewToJunior] = evidence
	}

	if len(bucket.JuniorToFull) > 0 {
		e.progress(ctx, req.ChannelID, statusID, live.juniorChat, live.juniorRole, rules.JuniorMinMessages)
		active, evidence, err := e.verifier.Verify(ctx, activity.Rule{
			ChannelID:   live.juniorChat.ID,
			MinMessages: rules.JuniorMinMessages,
			Cutoff:      activity.EarliestJoin(bucket.JuniorToFull),
		}, bucket.JuniorToFull)
		if err != nil {
			e.report(ctx, req.ChannelID, "Failed to read #"+live.juniorChat.Name+" history")
			return nil, err
		}
		bucket.JuniorToFull = active
		result.Evidence[ActionJuniorToFull] = evidence
	}

	switch step {
	case tiers.StepNewToJunior:
		bucket.NewToJunior = append(bucket.NewToJunior, forced)
		result.Forced = ActionNewToJunior
	case tiers.StepJuniorToFull:
		bucket.JuniorToFull = append(bucket.JuniorToFull, forced)
		result.Forced = ActionJuniorToFull
	}
	if result.Forced != "" {
		logger.InfoCF("promote", "Member promotion forced", map[string]any{
			"run_id":    runID,
			"member_id": forced.ID,
			"action":    string(result.Forced),
		})
	}

	closeStatus()
	result.Buckets = bucket

	if bucket.Empty() {
		result.NothingToDo = true
		if _, err := e.ui.Post(ctx, req.ChannelID, confirm.Prompt{Title: nothingToDo, Flavour: confirm.FlavourSuccess}); err != nil {
			logger.WarnCF("promote", "Failed to post summary", withErr(fields, err))
		}
		logger.InfoCF("promote", "Promotion run found nothing to do", fields)
		return result, nil
	}

	mu := mutator.New(e.roles, req.GuildID)
	proposals := []struct {
		action  Action
		title   string
		members []tiers.Member
		apply   mutator.Action
	}{
		{ActionCleanupNew, cleanupTitle(live.newRole), bucket.DanglingNew, mu.Remove(live.newRole)},
		{ActionCleanupJunior, cleanupTitle(live.juniorRole), bucket.DanglingJunior, mu.Remove(live.juniorRole)},
		{ActionNewToJunior, swapTitle(live.newRole, live.juniorRole), bucket.NewToJunior, mu.Swap(live.newRole, live.juniorRole)},
		{ActionJuniorToFull, swapTitle(live.juniorRole, live.fullRole), bucket.JuniorToFull, mu.Swap(live.juniorRole, live.fullRole)},
	}

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, p := range proposals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.broker.Propose(ctx, confirm.Proposal{
				ChannelID: req.ChannelID,
				Initiator: req.Initiator,
				Title:     p.title,
				Members:   p.members,
				Apply:     p.apply,
			})

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				result.Errors[p.action] = err
				logger.ErrorCF("promote", "Proposal failed", withErr(map[string]any{
					"run_id": runID,
					"action": string(p.action),
				}, err))
				return
			}
			result.Outcomes[p.action] = out.Outcome
			if out.Report != nil {
				result.Reports[p.action] = out.Report
			}
		}()
	}
	wg.Wait()

	logger.InfoCF("promote", "Promotion run finished", map[string]any{
		"run_id":           runID,
		"guild_id":         req.GuildID,
		"cleanup_new":      len(bucket.DanglingNew),
		"cleanup_junior":   len(bucket.DanglingJunior),
		"new_to_junior":    len(bucket.NewToJunior),
		"junior_to_full":   len(bucket.JuniorToFull),
		"failed_proposals": len(result.Errors),
	})
	return result, nil
}

// resolve looks up every configured role and channel and reports all
// failures at once, joined.
func (e *Engine) resolve(ctx context.Context, guildID string, cfg *tiers.TierConfig) (*resolved, error) {
	var (
		live resolved
		errs []error
	)

	role := func(dst *tiers.Role, id, name string) {
		r, err := e.dir.ResolveRole(ctx, guildID, id)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("resolve role %s: %w", name, err))
		case r == nil:
			errs = append(errs, &ResolutionError{Kind: "role", Name: name, ID: id, Reason: "no longer exists"})
		default:
			*dst = *r
		}
	}
	channel := func(dst *tiers.Channel, id, name string) {
		c, err := e.dir.ResolveChannel(ctx, guildID, id)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("resolve channel %s: %w", name, err))
		case c == nil:
			errs = append(errs, &ResolutionError{Kind: "channel", Name: name, ID: id, Reason: "no longer exists"})
		case !c.Text:
			errs = append(errs, &ResolutionError{Kind: "channel", Name: name, ID: id, Reason: "is not a text channel"})
		default:
			*dst = *c
		}
	}

	role(&live.newRole, cfg.NewRole, "new member")
	role(&live.juniorRole, cfg.JuniorRole, "junior member")
	role(&live.fullRole, cfg.FullRole, "full member")
	channel(&live.newChat, cfg.NewChatChannel, "new chat")
	channel(&live.juniorChat, cfg.JuniorChatChannel, "junior chat")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &live, nil
}

func collectResolution(err error, out *[]*ResolutionError) {
	if re, ok := err.(*ResolutionError); ok {
		*out = append(*out, re)
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			collectResolution(e, out)
		}
	}
}

// forcedMember finds the member a request forces and the step they skip
// to. A missing member or one with no next tier is reported to the
// operator and the run carries on without a forced change.
func (e *Engine) forcedMember(ctx context.Context, req Request, roster []tiers.Member, cfg *tiers.TierConfig) (tiers.Member, tiers.Step) {
	if req.ForceMemberID == "" {
		return tiers.Member{}, tiers.StepNone
	}
	for _, m := range roster {
		if m.ID != req.ForceMemberID {
			continue
		}
		step := tiers.NextStep(m, cfg)
		if step == tiers.StepNone {
			e.report(ctx, req.ChannelID, "Can't force "+m.Mention()+": no tier to promote them to")
		}
		return m, step
	}
	e.report(ctx, req.ChannelID, "Can't force <@"+req.ForceMemberID+">: not a member of this server")
	return tiers.Member{}, tiers.StepNone
}

func without(list []tiers.Member, id string) []tiers.Member {
	return slices.DeleteFunc(list, func(m tiers.Member) bool { return m.ID == id })
}

func (e *Engine) progress(ctx context.Context, channelID, statusID string, ch tiers.Channel, role tiers.Role, threshold int) {
	title := fmt.Sprintf("Checking %s message counts to assess %s participation (>= %d)", ch.Name, role.Mention(), threshold)
	if err := e.ui.Edit(ctx, channelID, statusID, confirm.Prompt{Title: title}); err != nil {
		logger.WarnCF("promote", "Failed to update status message", map[string]any{"error": err.Error()})
	}
}

// report posts a user-visible error notice. Failures are only logged.
func (e *Engine) report(ctx context.Context, channelID, message string) {
	if _, err := e.ui.Post(ctx, channelID, confirm.Prompt{Title: message, Flavour: confirm.FlavourError}); err != nil {
		logger.WarnCF("promote", "Failed to report to operator", map[string]any{
			"channel_id": channelID,
			"message":    message,
			"error":      err.Error(),
		})
	}
}

func cleanupTitle(role tiers.Role) string {
	return "Cleaning up unneeded " + role.Mention() + " roles"
}

func swapTitle(from, to tiers.Role) string {
	return "Swapping " + from.Mention() + " role to " + to.Mention()
}

func withErr(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
