package bus

// InboundMessage is a guild chat message addressed to the bot.
type InboundMessage struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Username  string `json:"username,omitempty"`
	Content   string `json:"content"`
}

// Reaction is a reaction added to a message.
type Reaction struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}
