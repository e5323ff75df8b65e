package channels

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/promote"
	"github.com/tinyland-inc/gagbot/pkg/schedule"
	"github.com/tinyland-inc/gagbot/pkg/store"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	usagePromote         = "Usage: promote [@member]"
	usagePromoteStatus   = "Usage: promotestatus [run id]"
	usagePromoteRoles    = "Usage: promoteroles @junior @full"
	usagePromoteRules    = "Usage: promoterules #new-chat #junior-chat <new min messages> <junior min messages> <junior min age days> <new message max age days>"
	usageGreetRole       = "Usage: greetrole @new"
	usagePromoteSchedule = "Usage: promoteschedule <minute hour day month weekday> | off"

	// recentRuns is how many finished runs promotestatus lists.
	recentRuns = 5
)

// Promoter starts promotion runs and reports on them.
type Promoter interface {
	RunPromotion(ctx context.Context, req promote.Request) (*promote.Result, error)
	Runs() *promote.Runs
}

// Settings is the guild configuration the commands read and write.
type Settings interface {
	TierConfig(ctx context.Context, guildID string) (*tiers.TierConfig, error)
	SetNewRole(ctx context.Context, guildID, roleID string) error
	SetRoles(ctx context.Context, guildID, juniorRoleID, fullRoleID string) error
	SetRules(ctx context.Context, guildID string, r store.Rules) error
	SetSchedule(ctx context.Context, sched store.Schedule) error
	DeleteSchedule(ctx context.Context, guildID string) error
}

// Responder posts command replies.
type Responder interface {
	Post(ctx context.Context, channelID string, p confirm.Prompt) (string, error)
}

// Authorizer decides who may run promotion commands.
type Authorizer interface {
	CanManageRoles(ctx context.Context, channelID, userID string) (bool, error)
}

// Dispatcher executes commands read from the message bus.
type Dispatcher struct {
	msgs     *bus.MessageBus
	promoter Promoter
	settings Settings
	out      Responder
	auth     Authorizer
	clock    clock.Clock

	wg sync.WaitGroup
}

func NewDispatcher(
	msgs *bus.MessageBus,
	promoter Promoter,
	settings Settings,
	out Responder,
	auth Authorizer,
	clk clock.Clock,
) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		msgs:     msgs,
		promoter: promoter,
		settings: settings,
		out:      out,
		auth:     auth,
		clock:    clk,
	}
}

// Run consumes commands until ctx is done or the bus closes, then waits
// for promotion runs it started.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.wg.Wait()
	for {
		msg, ok := d.msgs.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.Handle(ctx, msg)
	}
}

// Wait blocks until every promotion run started by Handle has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Handle executes one command. Content has the prefix already removed.
// Promotion runs continue in the background.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) {
	name, args := splitCommand(msg.Content)
	var handler func(context.Context, bus.InboundMessage, []string) error
	switch name {
	case "promote":
		handler = d.promote
	case "promoteroles":
		handler = d.promoteRoles
	case "promoterules":
		handler = d.promoteRules
	case "greetrole":
		handler = d.greetRole
	case "promoteschedule":
		handler = d.promoteSchedule
	case "promoteconfig":
		handler = d.promoteConfig
	case "promotestatus":
		handler = d.promoteStatus
	default:
		return
	}

	ok, err := d.auth.CanManageRoles(ctx, msg.ChannelID, msg.SenderID)
	if err != nil {
		logger.WarnCF("commands", "Permission check failed", map[string]any{
			"command": name,
			"user":    msg.SenderID,
			"error":   err.Error(),
		})
	}
	if !ok {
		d.reply(ctx, msg.ChannelID, "You need the Manage Roles permission to use "+name, confirm.FlavourError)
		return
	}

	logger.InfoCF("commands", "Command received", map[string]any{
		"command": name,
		"guild":   msg.GuildID,
		"user":    msg.SenderID,
	})
	if err := handler(ctx, msg, args); err != nil {
		logger.ErrorCF("commands", "Command failed", map[string]any{
			"command": name,
			"guild":   msg.GuildID,
			"error":   err.Error(),
		})
		d.reply(ctx, msg.ChannelID, err.Error(), confirm.FlavourError)
	}
}

func (d *Dispatcher) promote(ctx context.Context, msg bus.InboundMessage, args []string) error {
	req := promote.Request{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		Initiator: msg.SenderID,
		Trigger:   promote.TriggerCommand,
	}
	switch len(args) {
	case 0:
	case 1:
		id, ok := parseMention(args[0], mentionUser)
		if !ok {
			return usageError(usagePromote)
		}
		req.ForceMemberID = id
	default:
		return usageError(usagePromote)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.promoter.RunPromotion(ctx, req); err != nil {
			logger.WarnCF("commands", "Promotion run ended with error", map[string]any{
				"guild": req.GuildID,
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (d *Dispatcher) promoteRoles(ctx context.Context, msg bus.InboundMessage, args []string) error {
	if len(args) != 2 {
		return usageError(usagePromoteRoles)
	}
	junior, okJ := parseMention(args[0], mentionRole)
	full, okF := parseMention(args[1], mentionRole)
	if !okJ || !okF {
		return usageError(usagePromoteRoles)
	}
	if err := d.settings.SetRoles(ctx, msg.GuildID, junior, full); err != nil {
		return err
	}
	d.reply(ctx, msg.ChannelID,
		fmt.Sprintf("Promotion roles set: junior <@&%s>, full <@&%s>", junior, full), confirm.FlavourSuccess)
	return nil
}

func (d *Dispatcher) promoteRules(ctx context.Context, msg bus.InboundMessage, args []string) error {
	if len(args) != 6 {
		return usageError(usagePromoteRules)
	}
	newChat, okN := parseMention(args[0], mentionChannel)
	juniorChat, okJ := parseMention(args[1], mentionChannel)
	if !okN || !okJ {
		return usageError(usagePromoteRules)
	}
	nums := make([]int, 4)
	for i, a := range args[2:] {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return usageError(usagePromoteRules)
		}
		nums[i] = n
	}

	rules := store.Rules{
		NewChatChannel:       newChat,
		JuniorChatChannel:    juniorChat,
		NewMinMessages:       nums[0],
		JuniorMinMessages:    nums[1],
		JuniorMinAgeDays:     nums[2],
		NewMessageMaxAgeDays: nums[3],
	}
	if err := d.settings.SetRules(ctx, msg.GuildID, rules); err != nil {
		return err
	}
	d.post(ctx, msg.ChannelID, confirm.Prompt{
		Title:       "Promotion rules set",
		Description: fmt.Sprintf(
			"New members need %d messages in <#%s> within %d days.\n"+
				"Junior members need %d messages in <#%s> and %d days of membership.",
			rules.NewMinMessages, rules.NewChatChannel, rules.NewMessageMaxAgeDays,
			rules.JuniorMinMessages, rules.JuniorChatChannel, rules.JuniorMinAgeDays,
		),
		Flavour: confirm.FlavourSuccess,
	})
	return nil
}

func (d *Dispatcher) greetRole(ctx context.Context, msg bus.InboundMessage, args []string) error {
	if len(args) != 1 {
		return usageError(usageGreetRole)
	}
	role, ok := parseMention(args[0], mentionRole)
	if !ok {
		return usageError(usageGreetRole)
	}
	if err := d.settings.SetNewRole(ctx, msg.GuildID, role); err != nil {
		return err
	}
	d.reply(ctx, msg.ChannelID, fmt.Sprintf("New member role set: <@&%s>", role), confirm.FlavourSuccess)
	return nil
}

func (d *Dispatcher) promoteSchedule(ctx context.Context, msg bus.InboundMessage, args []string) error {
	if len(args) == 1 && strings.EqualFold(args[0], "off") {
		if err := d.settings.DeleteSchedule(ctx, msg.GuildID); err != nil {
			return err
		}
		d.reply(ctx, msg.ChannelID, "Scheduled promotions disabled", confirm.FlavourSuccess)
		return nil
	}
	if len(args) == 0 {
		return usageError(usagePromoteSchedule)
	}

	expr := strings.Join(args, " ")
	if err := schedule.Validate(expr); err != nil {
		return fmt.Errorf("%w\n%s", err, usagePromoteSchedule)
	}
	next, err := schedule.Next(expr, d.clock.Now())
	if err != nil {
		return fmt.Errorf("%w\n%s", err, usagePromoteSchedule)
	}
	err = d.settings.SetSchedule(ctx, store.Schedule{
		GuildID:    msg.GuildID,
		Cron:       expr,
		ChannelID:  msg.ChannelID,
		OperatorID: msg.SenderID,
	})
	if err != nil {
		return err
	}
	d.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"Promotions scheduled for `%s` in this channel, confirmed by <@%s>. Next run: %s",
		expr, msg.SenderID, next.UTC().Format(time.RFC1123),
	), confirm.FlavourSuccess)
	return nil
}

func (d *Dispatcher) promoteConfig(ctx context.Context, msg bus.InboundMessage, _ []string) error {
	cfg, err := d.settings.TierConfig(ctx, msg.GuildID)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &tiers.TierConfig{}
	}
	p := confirm.Prompt{Title: "Promotion settings", Description: describeConfig(cfg)}
	if verr := cfg.Validate(); verr != nil {
		p.Description += "\n\n" + verr.Error()
		p.Flavour = confirm.FlavourError
	}
	d.post(ctx, msg.ChannelID, p)
	return nil
}

func (d *Dispatcher) promoteStatus(ctx context.Context, msg bus.InboundMessage, args []string) error {
	runs := d.promoter.Runs()
	switch len(args) {
	case 0:
	case 1:
		run, err := runs.Get(args[0])
		if err != nil || run.GuildID != msg.GuildID {
			return fmt.Errorf("no promotion run %s in this server", args[0])
		}
		d.post(ctx, msg.ChannelID, confirm.Prompt{
			Title:       "Promotion run " + run.ID,
			Description: describeRun(run, true),
			Flavour:     runFlavour(run),
		})
		return nil
	default:
		return usageError(usagePromoteStatus)
	}

	var lines []string
	for _, run := range runs.Active(msg.GuildID) {
		lines = append(lines, describeRun(run, false))
	}
	var finished []string
	for _, run := range runs.List() {
		if run.GuildID == msg.GuildID && run.Status != promote.StatusRunning {
			finished = append(finished, describeRun(run, false))
		}
	}
	if len(finished) > recentRuns {
		finished = finished[len(finished)-recentRuns:]
	}
	lines = append(lines, finished...)

	if len(lines) == 0 {
		d.reply(ctx, msg.ChannelID, "No promotion runs since the bot started", confirm.FlavourNormal)
		return nil
	}
	d.post(ctx, msg.ChannelID, confirm.Prompt{
		Title:       "Promotion runs",
		Description: strings.Join(lines, "\n"),
	})
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, channelID, text string, flavour confirm.Flavour) {
	d.post(ctx, channelID, confirm.Prompt{Title: text, Flavour: flavour})
}

func (d *Dispatcher) post(ctx context.Context, channelID string, p confirm.Prompt) {
	if _, err := d.out.Post(ctx, channelID, p); err != nil {
		logger.WarnCF("commands", "Failed to post reply", map[string]any{
			"channel": channelID,
			"error":   err.Error(),
		})
	}
}

type usageError string

func (u usageError) Error() string { return string(u) }

// splitCommand returns the lowercased command name and its arguments.
func splitCommand(content string) (string, []string) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

type mentionKind int

const (
	mentionRole mentionKind = iota
	mentionChannel
	mentionUser
)

var mentionPatterns = map[mentionKind]*regexp.Regexp{
	mentionRole:    regexp.MustCompile(`^<@&(\d+)>$`),
	mentionChannel: regexp.MustCompile(`^<#(\d+)>$`),
	mentionUser:    regexp.MustCompile(`^<@!?(\d+)>$`),
}

var snowflake = regexp.MustCompile(`^\d+$`)

// parseMention extracts the id from a mention of the given kind. A bare
// numeric id is accepted too.
func parseMention(arg string, kind mentionKind) (string, bool) {
	if snowflake.MatchString(arg) {
		return arg, true
	}
	if m := mentionPatterns[kind].FindStringSubmatch(arg); m != nil {
		return m[1], true
	}
	return "", false
}

// describeRun renders one run; detail adds the outcome of each batch.
func describeRun(run promote.Run, detail bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s` %s, %s by <@%s>, started <t:%d:R>",
		run.ID, run.Status, run.Trigger, run.Initiator, run.StartTime.Unix())
	if run.ForceMemberID != "" {
		fmt.Fprintf(&b, ", forcing <@%s>", run.ForceMemberID)
	}
	if !run.EndTime.IsZero() {
		fmt.Fprintf(&b, ", finished <t:%d:R>", run.EndTime.Unix())
	}
	if run.Error != "" {
		b.WriteString(": " + run.Error)
	}
	if detail {
		actions := make([]string, 0, len(run.Outcomes))
		for a := range run.Outcomes {
			actions = append(actions, string(a))
		}
		slices.Sort(actions)
		for _, a := range actions {
			fmt.Fprintf(&b, "\n%s: %s", a, run.Outcomes[promote.Action(a)])
		}
	}
	return b.String()
}

func runFlavour(run promote.Run) confirm.Flavour {
	switch run.Status {
	case promote.StatusFailed:
		return confirm.FlavourError
	case promote.StatusCompleted:
		return confirm.FlavourSuccess
	}
	return confirm.FlavourNormal
}

func describeConfig(cfg *tiers.TierConfig) string {
	role := func(id string) string {
		if id == "" {
			return "not set"
		}
		return "<@&" + id + ">"
	}
	channel := func(id string) string {
		if id == "" {
			return "not set"
		}
		return "<#" + id + ">"
	}
	num := func(n *int) string {
		if n == nil {
			return "not set"
		}
		return strconv.Itoa(*n)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "New role: %s\n", role(cfg.NewRole))
	fmt.Fprintf(&b, "Junior role: %s\n", role(cfg.JuniorRole))
	fmt.Fprintf(&b, "Full role: %s\n", role(cfg.FullRole))
	fmt.Fprintf(&b, "New chat: %s\n", channel(cfg.NewChatChannel))
	fmt.Fprintf(&b, "Junior chat: %s\n", channel(cfg.JuniorChatChannel))
	fmt.Fprintf(&b, "New min messages: %s\n", num(cfg.NewMinMessages))
	fmt.Fprintf(&b, "Junior min messages: %s\n", num(cfg.JuniorMinMessages))
	fmt.Fprintf(&b, "Junior min age (days): %s\n", num(cfg.JuniorMinAgeDays))
	fmt.Fprintf(&b, "New message max age (days): %s", num(cfg.NewMessageMaxAgeDays))
	return b.String()
}
