package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/gagbot/pkg/bus"
)

func TestBaseChannelIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{name: "empty allowlist allows all", senderID: "anyone", want: true},
		{name: "compound sender matches numeric allowlist", allowList: []string{"123456"}, senderID: "123456|alice", want: true},
		{name: "compound sender matches username allowlist", allowList: []string{"@alice"}, senderID: "123456|alice", want: true},
		{name: "numeric sender matches legacy compound allowlist", allowList: []string{"123456|alice"}, senderID: "123456", want: true},
		{name: "non matching sender is denied", allowList: []string{"123456"}, senderID: "654321|bob", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewBaseChannel("test", nil, tt.allowList)
			if got := ch.IsAllowed(tt.senderID); got != tt.want {
				t.Fatalf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestHandleMessage_PublishesCommand(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := NewBaseChannel("test", mb, nil, WithPrefix("?"))

	ch.HandleMessage(context.Background(), "g", "c", "m", "42|alice", "?promote now")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.InboundMessage{
		GuildID:   "g",
		ChannelID: "c",
		MessageID: "m",
		SenderID:  "42",
		Username:  "alice",
		Content:   "promote now",
	}, msg)
}

func TestHandleMessage_Filters(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := NewBaseChannel("test", mb, []string{"42"})

	ch.HandleMessage(context.Background(), "g", "c", "m1", "42|alice", "hello there")
	ch.HandleMessage(context.Background(), "g", "c", "m2", "7|mallory", "!promote")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok, "neither message should reach the bus")
}
