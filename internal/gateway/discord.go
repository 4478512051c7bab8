package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordFeed implements FeedAdapter for Discord using the bot gateway.
// Guild messages become channel messages and DMs become direct messages.
type DiscordFeed struct {
	token       string
	session     *discordgo.Session
	handler     MessageHandler
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDiscordFeed creates a Discord feed adapter.
func NewDiscordFeed(token string, logger *zap.Logger) *DiscordFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordFeed{token: token, logger: logger}
}

func (a *DiscordFeed) Platform() string { return "discord" }

func (a *DiscordFeed) OnMessage(h MessageHandler) { a.handler = h }

// Session returns the open session, or nil before Connect.
func (a *DiscordFeed) Session() *discordgo.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Connect opens the Discord gateway websocket.
func (a *DiscordFeed) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		a.setError(fmt.Sprintf("open failed: %v", err))
		return fmt.Errorf("discord open: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	guildCount := len(session.State.Guilds)
	if guildCount == 0 {
		a.logger.Warn("discord bot not added to any server, invite it first")
	}
	a.logger.Info("discord feed connected",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", guildCount))
	return nil
}

func (a *DiscordFeed) setError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.connected = false
	a.mu.Unlock()
}

func (a *DiscordFeed) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if a.handler == nil || m.Author == nil {
		return
	}
	self := ""
	if s.State != nil && s.State.User != nil {
		self = s.State.User.ID
	}
	if msg := inboundFromDiscord(m.Message, self); msg != nil {
		a.handler(msg)
	}
}

// inboundFromDiscord normalizes a Discord message. It returns nil for the
// bot's own messages.
func inboundFromDiscord(m *discordgo.Message, selfID string) *InboundMessage {
	if m == nil || m.Author == nil || m.Author.ID == selfID {
		return nil
	}
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	return &InboundMessage{
		Platform:  "discord",
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  name,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		FromBot:   m.Author.Bot,
	}
}

// Close shuts down the Discord session.
func (a *DiscordFeed) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *DiscordFeed) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		guildCount := 0
		if a.session != nil && a.session.State != nil {
			guildCount = len(a.session.State.Guilds)
		}
		s.Details = fmt.Sprintf("bot=%s, guilds=%d",
			a.session.State.User.Username, guildCount)
	}
	return s
}
