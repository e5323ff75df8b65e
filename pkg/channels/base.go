package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannelOption is a functional option for configuring a BaseChannel.
type BaseChannelOption func(*BaseChannel)

// WithPrefix sets the command prefix. Messages without it are ignored.
func WithPrefix(prefix string) BaseChannelOption {
	return func(c *BaseChannel) { c.prefix = prefix }
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	prefix    string
	allowList []string
}

func NewBaseChannel(
	name string,
	bus *bus.MessageBus,
	allowList []string,
	opts ...BaseChannelOption,
) *BaseChannel {
	bc := &BaseChannel{
		bus:       bus,
		name:      name,
		prefix:    "!",
		allowList: allowList,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func (c *BaseChannel) Name() string {
	return c.name
}

// Prefix is the command prefix this channel listens for.
func (c *BaseChannel) Prefix() string {
	return c.prefix
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		// Strip leading "@" from allowed value for username matching
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// HandleMessage publishes a prefixed message from an allowed sender to the
// bus. senderID may be the compound "id|username" form.
func (c *BaseChannel) HandleMessage(ctx context.Context, guildID, channelID, messageID, senderID, content string) {
	if !strings.HasPrefix(content, c.prefix) {
		return
	}
	if !c.IsAllowed(senderID) {
		logger.DebugCF(c.name, "Ignoring command from sender outside allow list", map[string]any{
			"sender_id": senderID,
		})
		return
	}

	userID, username := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		userID, username = senderID[:idx], senderID[idx+1:]
	}

	msg := bus.InboundMessage{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: messageID,
		SenderID:  userID,
		Username:  username,
		Content:   strings.TrimPrefix(content, c.prefix),
	}
	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		logger.WarnCF(c.name, "Failed to publish command", map[string]any{"error": err.Error()})
	}
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}
