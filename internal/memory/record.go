package memory

import (
	"strings"
	"time"
)

// Source identifies where a conversation event came from.
type Source string

const (
	SourceGameChat       Source = "game_chat"
	SourceDirectMessage  Source = "direct_message"
	SourceChannelMessage Source = "channel_message"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceGameChat, SourceDirectMessage, SourceChannelMessage:
		return true
	}
	return false
}

// IndexState tracks whether a record has an embedding entry.
type IndexState string

const (
	IndexPending IndexState = "pending"
	IndexIndexed IndexState = "indexed"
	IndexFailed  IndexState = "failed"
)

// DefaultRelevance is the score every new record starts with.
const DefaultRelevance = 1.0

// Record is one identity-scoped conversation event.
type Record struct {
	ID               int64      `json:"id"`
	PlayerID         string     `json:"player_id"`
	PlayerName       string     `json:"player_name"`
	Message          string     `json:"message"`
	IsBotResponse    bool       `json:"is_bot_response"`
	Timestamp        time.Time  `json:"timestamp"`
	EventTime        *time.Time `json:"event_time,omitempty"`
	Source           Source     `json:"source"`
	DiscordUserID    string     `json:"discord_user_id,omitempty"`
	DiscordChannelID string     `json:"discord_channel_id,omitempty"`
	DiscordMessageID string     `json:"discord_message_id,omitempty"`
	GuildID          string     `json:"guild_id,omitempty"`
	RelevanceScore   float64    `json:"relevance_score"`
	IndexState       IndexState `json:"index_state"`
	IndexAttempts    int        `json:"index_attempts"`
}

// NewRecord holds the caller-supplied fields of a record to store.
// ID, Timestamp and RelevanceScore are always assigned by the store.
type NewRecord struct {
	PlayerID         string     `json:"player_id"`
	PlayerName       string     `json:"player_name"`
	Message          string     `json:"message"`
	IsBotResponse    bool       `json:"is_bot_response"`
	Source           Source     `json:"source"`
	EventTime        *time.Time `json:"event_time,omitempty"`
	DiscordUserID    string     `json:"discord_user_id,omitempty"`
	DiscordChannelID string     `json:"discord_channel_id,omitempty"`
	DiscordMessageID string     `json:"discord_message_id,omitempty"`
	GuildID          string     `json:"guild_id,omitempty"`
}

// Normalize validates the record and fills defaults. It never touches storage,
// so a rejected record is never partially persisted.
func (n NewRecord) Normalize() (NewRecord, error) {
	n.PlayerID = strings.TrimSpace(n.PlayerID)
	n.PlayerName = strings.TrimSpace(n.PlayerName)
	if n.PlayerID == "" {
		return n, &ValidationError{Field: "player_id", Reason: "is required"}
	}
	if strings.TrimSpace(n.Message) == "" {
		return n, &ValidationError{Field: "message", Reason: "is required"}
	}
	if n.Source == "" {
		return n, &ValidationError{Field: "source", Reason: "is required"}
	}
	if !n.Source.Valid() {
		return n, &ValidationError{Field: "source", Reason: "unknown source " + string(n.Source)}
	}
	if n.PlayerName == "" {
		n.PlayerName = n.PlayerID
	}
	return n, nil
}

// Stats aggregates the store contents.
type Stats struct {
	TotalCount    int            `json:"total_count"`
	UniquePlayers int            `json:"unique_players"`
	PerPlayer     map[string]int `json:"per_player"`
	BotResponses  int            `json:"bot_responses"`
	AvgRelevance  float64        `json:"avg_relevance"`
	OldestMemory  *time.Time     `json:"oldest_memory,omitempty"`
	NewestMemory  *time.Time     `json:"newest_memory,omitempty"`
	Indexed       int            `json:"indexed"`
	PendingIndex  int            `json:"pending_index"`
	FailedIndex   int            `json:"failed_index"`
}
