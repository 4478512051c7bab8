package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/nidhogg/amc-memory/internal/memory"
)

// FeedAdapter is a chat platform delivering inbound events.
type FeedAdapter interface {
	Platform() string
	Connect(ctx context.Context) error
	OnMessage(handler MessageHandler)
	Status() AdapterStatus
	Close() error
}

// MessageHandler processes inbound messages from any platform.
type MessageHandler func(msg *InboundMessage)

// InboundMessage is a normalized message from any platform.
type InboundMessage struct {
	Platform  string    `json:"platform"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	FromBot   bool      `json:"from_bot,omitempty"`
}

// Record maps the message onto a memory record. Guild messages are channel
// messages, everything else is a direct message.
func (m *InboundMessage) Record() memory.NewRecord {
	src := memory.SourceDirectMessage
	if m.GuildID != "" {
		src = memory.SourceChannelMessage
	}
	rec := memory.NewRecord{
		PlayerID:         m.Platform + "_" + m.UserID,
		PlayerName:       m.UserName,
		Message:          strings.TrimSpace(m.Content),
		IsBotResponse:    m.FromBot,
		Source:           src,
		DiscordUserID:    m.UserID,
		DiscordChannelID: m.ChannelID,
		DiscordMessageID: m.MessageID,
		GuildID:          m.GuildID,
	}
	if !m.Timestamp.IsZero() {
		t := m.Timestamp
		rec.EventTime = &t
	}
	return rec
}

// AdapterStatus reports an adapter's connection state.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}
