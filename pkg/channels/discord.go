package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/tinyland-inc/gagbot/pkg/activity"
	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/config"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	colorNormal  = 0xEBC634
	colorSuccess = 0x92FC68
	colorError   = 0xFC687E

	// rosterPageSize is the largest page the member list endpoint serves.
	rosterPageSize = 1000

	reactorPageSize = 100

	intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
)

// session is the part of the Discord REST API the bot uses.
// *discordgo.Session satisfies it.
type session interface {
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionsRemoveAll(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactions(channelID, messageID, emojiID string, limit int, beforeID, afterID string, options ...discordgo.RequestOption) ([]*discordgo.User, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// DiscordChannel is the gateway connection. It feeds commands to the
// message bus and reactions to the reaction bus, and serves the guild
// lookups, message history, prompts and role changes of a promotion run.
type DiscordChannel struct {
	*BaseChannel
	session   *discordgo.Session
	api       session
	reactions *bus.ReactionBus
	removers  []func()
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus, reactions *bus.ReactionBus) (*DiscordChannel, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = intents

	var opts []BaseChannelOption
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowFrom, opts...),
		session:     s,
		api:         s,
		reactions:   reactions,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord gateway")

	c.removers = append(c.removers,
		c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			c.onMessage(ctx, m.Message)
		}),
		c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
			c.onReaction(ctx, s.State.User, r.MessageReaction)
		}),
		c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			logger.InfoCF("discord", "Gateway ready", map[string]any{
				"user":   r.User.Username,
				"guilds": len(r.Guilds),
			})
		}),
	)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.SetRunning(true)
	return nil
}

func (c *DiscordChannel) Stop(_ context.Context) error {
	logger.InfoC("discord", "Stopping Discord gateway")
	c.SetRunning(false)
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
	return c.session.Close()
}

func (c *DiscordChannel) onMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	c.HandleMessage(ctx, m.GuildID, m.ChannelID, m.ID, m.Author.ID+"|"+m.Author.Username, m.Content)
}

func (c *DiscordChannel) onReaction(ctx context.Context, self *discordgo.User, r *discordgo.MessageReaction) {
	if self != nil && r.UserID == self.ID {
		return
	}
	err := c.reactions.Publish(ctx, bus.Reaction{
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
	})
	if err != nil && !errors.Is(err, bus.ErrBusClosed) {
		logger.WarnCF("discord", "Failed to publish reaction", map[string]any{"error": err.Error()})
	}
}

// FetchRoster pages through the whole member list of a guild.
func (c *DiscordChannel) FetchRoster(ctx context.Context, guildID string) ([]tiers.Member, error) {
	var roster []tiers.Member
	after := ""
	for {
		page, err := c.api.GuildMembers(guildID, after, rosterPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list members of guild %s: %w", guildID, err)
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			roster = append(roster, toMember(guildID, m))
			after = m.User.ID
		}
		if len(page) < rosterPageSize {
			return roster, nil
		}
	}
}

// toMember converts a Discord member. The guild id is added to Roles since
// Discord leaves the implicit @everyone role out.
func toMember(guildID string, m *discordgo.Member) tiers.Member {
	name := m.Nick
	if name == "" {
		name = m.User.GlobalName
	}
	if name == "" {
		name = m.User.Username
	}
	roles := make([]string, 0, len(m.Roles)+1)
	roles = append(roles, guildID)
	roles = append(roles, m.Roles...)
	return tiers.Member{
		ID:          m.User.ID,
		DisplayName: name,
		JoinedAt:    m.JoinedAt,
		Roles:       roles,
		Bot:         m.User.Bot,
	}
}

func (c *DiscordChannel) ResolveRole(ctx context.Context, guildID, roleID string) (*tiers.Role, error) {
	roles, err := c.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list roles of guild %s: %w", guildID, err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return &tiers.Role{ID: r.ID, Name: r.Name}, nil
		}
	}
	return nil, nil
}

// ResolveChannel returns nil for a channel that is gone or belongs to
// another guild.
func (c *DiscordChannel) ResolveChannel(ctx context.Context, guildID, channelID string) (*tiers.Channel, error) {
	ch, err := c.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	if ch.GuildID != guildID {
		return nil, nil
	}
	return &tiers.Channel{ID: ch.ID, Name: ch.Name, Text: isText(ch.Type)}, nil
}

func isText(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeGuildText || t == discordgo.ChannelTypeGuildNews
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}

// FetchPage returns up to limit messages older than before, newest first.
func (c *DiscordChannel) FetchPage(ctx context.Context, channelID, before string, limit int) ([]activity.Message, error) {
	msgs, err := c.api.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]activity.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := activity.Message{ID: m.ID, Timestamp: m.Timestamp}
		if m.Author != nil {
			msg.AuthorID = m.Author.ID
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *DiscordChannel) Post(ctx context.Context, channelID string, p confirm.Prompt) (string, error) {
	m, err := c.api.ChannelMessageSendEmbed(channelID, embed(p), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("post to channel %s: %w", channelID, err)
	}
	return m.ID, nil
}

func (c *DiscordChannel) Edit(ctx context.Context, channelID, messageID string, p confirm.Prompt) error {
	if _, err := c.api.ChannelMessageEditEmbed(channelID, messageID, embed(p), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return nil
}

func (c *DiscordChannel) Delete(ctx context.Context, channelID, messageID string) error {
	if err := c.api.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func (c *DiscordChannel) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return c.api.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

func (c *DiscordChannel) ClearReactions(ctx context.Context, channelID, messageID string) error {
	return c.api.MessageReactionsRemoveAll(channelID, messageID, discordgo.WithContext(ctx))
}

// Reactors returns the first page of users who reacted with emoji. A fresh
// prompt never has more than a handful.
func (c *DiscordChannel) Reactors(ctx context.Context, channelID, messageID, emoji string) ([]string, error) {
	users, err := c.api.MessageReactions(channelID, messageID, emoji, reactorPageSize, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u != nil {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

func (c *DiscordChannel) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (c *DiscordChannel) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.api.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// CanManageRoles reports whether userID holds Manage Roles (or
// Administrator) in channelID.
func (c *DiscordChannel) CanManageRoles(ctx context.Context, channelID, userID string) (bool, error) {
	perms, err := c.api.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("permissions of %s in %s: %w", userID, channelID, err)
	}
	return perms&(discordgo.PermissionManageRoles|discordgo.PermissionAdministrator) != 0, nil
}

func embed(p confirm.Prompt) *discordgo.MessageEmbed {
	color := colorNormal
	switch p.Flavour {
	case confirm.FlavourSuccess:
		color = colorSuccess
	case confirm.FlavourError:
		color = colorError
	}
	return &discordgo.MessageEmbed{
		Title:       p.Title,
		Description: p.Description,
		Color:       color,
	}
}
