package promote

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/gagbot/pkg/activity"
	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	guild      = "g1"
	opChannel  = "ops"
	operator   = "op"
	newRole    = "r-new"
	juniorRole = "r-junior"
	fullRole   = "r-full"
	otherRole  = "r-other"
	newChat    = "c-new"
	juniorChat = "c-junior"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validConfig() *tiers.TierConfig {
	return &tiers.TierConfig{
		Version:              tiers.ConfigVersion,
		NewRole:              newRole,
		JuniorRole:           juniorRole,
		FullRole:             fullRole,
		NewChatChannel:       newChat,
		JuniorChatChannel:    juniorChat,
		NewMinMessages:       tiers.Int(1),
		JuniorMinMessages:    tiers.Int(2),
		JuniorMinAgeDays:     tiers.Int(3),
		NewMessageMaxAgeDays: tiers.Int(30),
	}
}

type fakeConfig struct {
	cfg *tiers.TierConfig
	err error
}

func (f *fakeConfig) TierConfig(context.Context, string) (*tiers.TierConfig, error) {
	return f.cfg, f.err
}

type fakeDirectory struct {
	mu        sync.Mutex
	roster    []tiers.Member
	rosterErr error
	roles     map[string]*tiers.Role
	channels  map[string]*tiers.Channel
	calls     int
}

func newFakeDirectory(roster ...tiers.Member) *fakeDirectory {
	return &fakeDirectory{
		roster: roster,
		roles: map[string]*tiers.Role{
			newRole:    {ID: newRole, Name: "New"},
			juniorRole: {ID: juniorRole, Name: "Junior"},
			fullRole:   {ID: fullRole, Name: "Full"},
		},
		channels: map[string]*tiers.Channel{
			newChat:    {ID: newChat, Name: "new-chat", Text: true},
			juniorChat: {ID: juniorChat, Name: "junior-chat", Text: true},
		},
	}
}

func (d *fakeDirectory) FetchRoster(context.Context, string) ([]tiers.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.roster, d.rosterErr
}

func (d *fakeDirectory) ResolveRole(_ context.Context, _, id string) (*tiers.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.roles[id], nil
}

func (d *fakeDirectory) ResolveChannel(_ context.Context, _, id string) (*tiers.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.channels[id], nil
}

type message struct {
	id      string
	prompt  confirm.Prompt
	edits   []confirm.Prompt
	emoji   []string
	deleted bool
}

type fakeUI struct {
	mu       sync.Mutex
	next     int
	messages []*message
}

func (u *fakeUI) Post(_ context.Context, _ string, p confirm.Prompt) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next++
	m := &message{id: "m" + strconv.Itoa(u.next), prompt: p}
	u.messages = append(u.messages, m)
	return m.id, nil
}

func (u *fakeUI) find(id string) *message {
	for _, m := range u.messages {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (u *fakeUI) Edit(_ context.Context, _, id string, p confirm.Prompt) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	m := u.find(id)
	m.edits = append(m.edits, p)
	return nil
}

func (u *fakeUI) AddReaction(_ context.Context, _, id, emoji string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	m := u.find(id)
	m.emoji = append(m.emoji, emoji)
	return nil
}

func (u *fakeUI) ClearReactions(context.Context, string, string) error { return nil }

func (u *fakeUI) Reactors(context.Context, string, string, string) ([]string, error) { return nil, nil }

func (u *fakeUI) Delete(_ context.Context, _, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.find(id).deleted = true
	return nil
}

// titled returns the first message whose title starts with prefix.
func (u *fakeUI) titled(prefix string) *message {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range u.messages {
		if strings.HasPrefix(m.prompt.Title, prefix) {
			return m
		}
	}
	return nil
}

func (u *fakeUI) titles() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, m := range u.messages {
		out = append(out, m.prompt.Title)
	}
	return out
}

type fakeHistory struct {
	byChannel map[string][]activity.Message
	err       error
}

func (h *fakeHistory) FetchPage(_ context.Context, channelID, before string, limit int) ([]activity.Message, error) {
	if h.err != nil {
		return nil, h.err
	}
	msgs := h.byChannel[channelID]
	start := 0
	if before != "" {
		start = len(msgs)
		for i, m := range msgs {
			if m.ID == before {
				start = i + 1
			}
		}
	}
	end := min(start+limit, len(msgs))
	return msgs[start:end], nil
}

type roleCall struct{ op, user, role string }

type fakeRoles struct {
	mu    sync.Mutex
	calls []roleCall
}

func (r *fakeRoles) AddRole(_ context.Context, _, user, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, roleCall{"add", user, role})
	return nil
}

func (r *fakeRoles) RemoveRole(_ context.Context, _, user, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, roleCall{"remove", user, role})
	return nil
}

func (r *fakeRoles) snapshot() []roleCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]roleCall(nil), r.calls...)
}

type fixture struct {
	config  *fakeConfig
	dir     *fakeDirectory
	ui      *fakeUI
	history *fakeHistory
	roles   *fakeRoles
	bus     *bus.ReactionBus
	clock   *clock.FakeClock
	engine  *Engine
}

func newFixture(roster ...tiers.Member) *fixture {
	f := &fixture{
		config:  &fakeConfig{cfg: validConfig()},
		dir:     newFakeDirectory(roster...),
		ui:      &fakeUI{},
		history: &fakeHistory{byChannel: map[string][]activity.Message{}},
		roles:   &fakeRoles{},
		bus:     bus.NewReactionBus(),
		clock:   clock.Fake(now),
	}
	f.engine = NewEngine(Deps{
		Directory: f.dir,
		Config:    f.config,
		UI:        f.ui,
		History:   f.history,
		Roles:     f.roles,
		Reactions: f.bus,
		Clock:     f.clock,
	}, Options{})
	return f
}

type outcome struct {
	res *Result
	err error
}

func (f *fixture) request() Request {
	return Request{
		GuildID:   guild,
		ChannelID: opChannel,
		Initiator: operator,
		Trigger:   TriggerCommand,
	}
}

func (f *fixture) start() <-chan outcome {
	return f.startWith(f.request())
}

func (f *fixture) startWith(req Request) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := f.engine.RunPromotion(context.Background(), req)
		out <- outcome{res, err}
	}()
	return out
}

func (f *fixture) run(t *testing.T) (*Result, error) {
	t.Helper()
	o := await(t, f.start())
	return o.res, o.err
}

func (f *fixture) react(t *testing.T, titlePrefix, user, emoji string) {
	t.Helper()
	m := f.ui.titled(titlePrefix)
	require.NotNil(t, m, "no prompt titled %q in %v", titlePrefix, f.ui.titles())
	require.NoError(t, f.bus.Publish(context.Background(), bus.Reaction{
		ChannelID: opChannel,
		MessageID: m.id,
		UserID:    user,
		Emoji:     emoji,
	}))
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return outcome{}
	}
}

func member(id string, joinedDaysAgo int, roles ...string) tiers.Member {
	return tiers.Member{
		ID:          id,
		DisplayName: "user-" + id,
		JoinedAt:    now.Add(-time.Duration(joinedDaysAgo) * 24 * time.Hour),
		Roles:       append([]string{guild}, roles...),
	}
}

func chat(author string, hoursAgo ...int) []activity.Message {
	var out []activity.Message
	for _, h := range hoursAgo {
		out = append(out, activity.Message{
			ID:        author + "-" + strconv.Itoa(h),
			AuthorID:  author,
			Timestamp: now.Add(-time.Duration(h) * time.Hour),
		})
	}
	return out
}

func TestRunPromotion_InactiveNewMemberNothingToDo(t *testing.T) {
	f := newFixture(member("u1", 1, newRole, otherRole))

	res, err := f.run(t)
	require.NoError(t, err)
	assert.True(t, res.NothingToDo)
	assert.Empty(t, res.Buckets.NewToJunior)
	assert.Equal(t, 0, res.Evidence[ActionNewToJunior]["u1"])

	status := f.ui.titled("Calculating promotions")
	require.NotNil(t, status)
	assert.True(t, status.deleted)
	require.NotEmpty(t, status.edits)
	assert.Equal(t, "Checking new-chat message counts to assess @New participation (>= 1)", status.edits[0].Title)

	done := f.ui.titled("All up-to-date")
	require.NotNil(t, done)
	assert.Equal(t, confirm.FlavourSuccess, done.prompt.Flavour)
	assert.Empty(t, f.roles.snapshot())
	assert.Zero(t, f.bus.Pending())
}

func TestRunPromotion_ActiveJuniorAccepted(t *testing.T) {
	f := newFixture(member("u1", 10, juniorRole))
	f.history.byChannel[juniorChat] = chat("u1", 24, 48)

	done := f.start()
	f.clock.WaitForTimers(1)
	f.react(t, "Swapping @Junior role to @Full", operator, confirm.EmojiAccept)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, confirm.Confirmed, o.res.Outcomes[ActionJuniorToFull])
	assert.Equal(t, []roleCall{
		{"add", "u1", fullRole},
		{"remove", "u1", juniorRole},
	}, f.roles.snapshot())

	// A second accept on the same prompt changes nothing.
	f.react(t, "Swapping @Junior role to @Full", operator, confirm.EmojiAccept)
	assert.Len(t, f.roles.snapshot(), 2)
}

func TestRunPromotion_ActiveJuniorTimesOut(t *testing.T) {
	f := newFixture(member("u1", 10, juniorRole))
	f.history.byChannel[juniorChat] = chat("u1", 24, 48)

	done := f.start()
	f.clock.WaitForTimers(1)
	f.clock.Advance(confirm.DefaultTimeout)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, confirm.TimedOut, o.res.Outcomes[ActionJuniorToFull])
	assert.Empty(t, f.roles.snapshot())

	prompt := f.ui.titled("Swapping @Junior role to @Full")
	require.NotNil(t, prompt)
	require.NotEmpty(t, prompt.edits)
	assert.True(t, strings.HasSuffix(prompt.edits[len(prompt.edits)-1].Description, "Changes cancelled (timeout)"))
}

func TestRunPromotion_DuplicateRolesAbortBeforeFetch(t *testing.T) {
	f := newFixture(member("u1", 10, juniorRole))
	f.config.cfg.NewRole = juniorRole

	res, err := f.run(t)
	require.Error(t, err)
	assert.Nil(t, res)

	var cfgErr *tiers.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, f.dir.calls)
	assert.Equal(t, []string{"New and Junior roles are THE SAME"}, f.ui.titles())
	assert.Equal(t, confirm.FlavourError, f.ui.messages[0].prompt.Flavour)

	runs := f.engine.Runs().List()
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
}

func TestRunPromotion_AbsentConfigReportsEveryField(t *testing.T) {
	f := newFixture()
	f.config.cfg = nil

	_, err := f.run(t)
	var cfgErr *tiers.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, f.ui.titles(), len(cfgErr.Problems))
	assert.Contains(t, f.ui.titles(), "role new member not configured")
}

func TestRunPromotion_ConfigLoadError(t *testing.T) {
	f := newFixture()
	f.config.err = errors.New("database is locked")

	_, err := f.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Zero(t, f.dir.calls)
}

func TestRunPromotion_MissingRoleAborts(t *testing.T) {
	f := newFixture(member("u1", 10, juniorRole))
	delete(f.dir.roles, fullRole)
	f.dir.channels[newChat].Text = false

	_, err := f.run(t)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)

	status := f.ui.titled("Calculating promotions")
	require.NotNil(t, status)
	assert.True(t, status.deleted)
	assert.Contains(t, f.ui.titles(), "role full member (r-full) no longer exists")
	assert.Contains(t, f.ui.titles(), "channel new chat (c-new) is not a text channel")
	assert.Empty(t, f.roles.snapshot())
}

func TestRunPromotion_RosterErrorAborts(t *testing.T) {
	f := newFixture()
	f.dir.rosterErr = errors.New("gateway timeout")

	res, err := f.run(t)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, f.ui.titled("Calculating promotions").deleted)
	assert.NotNil(t, f.ui.titled("Failed to fetch the member list"))
}

func TestRunPromotion_HistoryErrorAborts(t *testing.T) {
	f := newFixture(member("u1", 10, juniorRole))
	f.history.err = errors.New("missing access")

	_, err := f.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing access")
	assert.Nil(t, f.ui.titled("Swapping"))
}

func TestRunPromotion_CleanupAndPromotionIndependent(t *testing.T) {
	f := newFixture(
		member("dn", 50, newRole, fullRole),
		member("dj", 50, juniorRole, fullRole),
		member("nj", 1, newRole, otherRole),
		member("jf", 10, juniorRole),
	)
	f.history.byChannel[newChat] = chat("nj", 2)
	f.history.byChannel[juniorChat] = chat("jf", 3, 4)

	done := f.start()
	f.clock.WaitForTimers(4)

	f.react(t, "Cleaning up unneeded @New roles", operator, confirm.EmojiAccept)
	f.react(t, "Cleaning up unneeded @Junior roles", operator, confirm.EmojiReject)
	f.react(t, "Swapping @New role to @Junior", "someone-else", confirm.EmojiAccept)
	f.react(t, "Swapping @New role to @Junior", operator, confirm.EmojiAccept)
	require.Eventually(t, func() bool { return f.bus.Pending() == 1 }, 5*time.Second, time.Millisecond)
	f.clock.Advance(confirm.DefaultTimeout)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, map[Action]confirm.Outcome{
		ActionCleanupNew:    confirm.Confirmed,
		ActionCleanupJunior: confirm.Cancelled,
		ActionNewToJunior:   confirm.Confirmed,
		ActionJuniorToFull:  confirm.TimedOut,
	}, o.res.Outcomes)
	assert.ElementsMatch(t, []roleCall{
		{"remove", "dn", newRole},
		{"add", "nj", juniorRole},
		{"remove", "nj", newRole},
	}, f.roles.snapshot())

	run, err := f.engine.Runs().Get(o.res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, confirm.Cancelled, run.Outcomes[ActionCleanupJunior])
}

func TestRunPromotion_NewMemberWindowBoundedByMaxAge(t *testing.T) {
	f := newFixture(member("u1", 90, newRole, otherRole))
	// Only a message older than the 30 day window.
	f.history.byChannel[newChat] = chat("u1", 24*40)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.True(t, res.NothingToDo)
	assert.Equal(t, 0, res.Evidence[ActionNewToJunior]["u1"])
}

func TestRunPromotion_ZeroMaxAgeCountsAllHistory(t *testing.T) {
	f := newFixture(member("u1", 90, newRole, otherRole))
	f.config.cfg.NewMessageMaxAgeDays = tiers.Int(0)
	f.history.byChannel[newChat] = chat("u1", 24*40)

	done := f.start()
	f.clock.WaitForTimers(1)
	f.react(t, "Swapping @New role to @Junior", operator, confirm.EmojiAccept)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, 1, o.res.Evidence[ActionNewToJunior]["u1"])
	assert.Equal(t, confirm.Confirmed, o.res.Outcomes[ActionNewToJunior])
}

func TestRunPromotion_ForcedJuniorSkipsAgeAndActivity(t *testing.T) {
	f := newFixture(member("u1", 1, juniorRole), member("u2", 1, juniorRole))

	req := f.request()
	req.ForceMemberID = "u1"
	done := f.startWith(req)
	f.clock.WaitForTimers(1)

	prompt := f.ui.titled("Swapping @Junior role to @Full")
	require.NotNil(t, prompt, "titles: %v", f.ui.titles())
	assert.Contains(t, prompt.prompt.Description, "<@u1>")
	assert.NotContains(t, prompt.prompt.Description, "<@u2>")

	f.react(t, "Swapping @Junior role to @Full", operator, confirm.EmojiAccept)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, ActionJuniorToFull, o.res.Forced)
	assert.Equal(t, []roleCall{
		{"add", "u1", fullRole},
		{"remove", "u1", juniorRole},
	}, f.roles.snapshot())
}

func TestRunPromotion_ForcedNewMemberStillNeedsConfirmation(t *testing.T) {
	f := newFixture(member("u1", 0, newRole))

	req := f.request()
	req.ForceMemberID = "u1"
	done := f.startWith(req)
	f.clock.WaitForTimers(1)
	f.react(t, "Swapping @New role to @Junior", operator, confirm.EmojiReject)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Equal(t, ActionNewToJunior, o.res.Forced)
	assert.Equal(t, confirm.Cancelled, o.res.Outcomes[ActionNewToJunior])
	assert.Empty(t, f.roles.snapshot())
}

func TestRunPromotion_ForcedMemberGoesOneTierOnly(t *testing.T) {
	// Eligible for junior->full on their own, but forced members are
	// never verified, so only the single forced step is proposed.
	f := newFixture(member("u1", 10, juniorRole))

	req := f.request()
	req.ForceMemberID = "u1"
	done := f.startWith(req)
	f.clock.WaitForTimers(1)
	f.react(t, "Swapping @Junior role to @Full", operator, confirm.EmojiAccept)
	o := await(t, done)

	require.NoError(t, o.err)
	assert.Len(t, o.res.Buckets.JuniorToFull, 1)
	assert.Empty(t, o.res.Buckets.NewToJunior)
	assert.NotContains(t, o.res.Evidence, ActionJuniorToFull)
}

func TestRunPromotion_ForcedUnknownMemberReported(t *testing.T) {
	f := newFixture(member("u1", 1, newRole, otherRole))

	req := f.request()
	req.ForceMemberID = "ghost"
	o := await(t, f.startWith(req))

	require.NoError(t, o.err)
	assert.True(t, o.res.NothingToDo)
	assert.Empty(t, o.res.Forced)
	notice := f.ui.titled("Can't force <@ghost>")
	require.NotNil(t, notice, "titles: %v", f.ui.titles())
	assert.Equal(t, confirm.FlavourError, notice.prompt.Flavour)
}

func TestRunPromotion_ForcedFullMemberReported(t *testing.T) {
	f := newFixture(member("u1", 100, fullRole))

	req := f.request()
	req.ForceMemberID = "u1"
	o := await(t, f.startWith(req))

	require.NoError(t, o.err)
	assert.True(t, o.res.NothingToDo)
	assert.NotNil(t, f.ui.titled("Can't force <@u1>: no tier to promote them to"))
}
