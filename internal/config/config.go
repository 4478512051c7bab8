package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/amc-memory/internal/embedding"
	"github.com/nidhogg/amc-memory/internal/llm"
	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Vector    VectorConfig     `json:"vector"`
	Embedding embedding.Config `json:"embedding"`
	LLM       llm.Config       `json:"llm"`
	Memory    MemoryConfig     `json:"memory"`
	Retrieval RetrievalConfig  `json:"retrieval"`
	Router    RouterConfig     `json:"router"`
	Knowledge KnowledgeConfig  `json:"knowledge"`
	Ingest    IngestConfig     `json:"ingest"`
	Indexing  IndexingConfig   `json:"indexing"`
	Gateway   GatewayConfig    `json:"gateway"`
	GameData  GameDataConfig   `json:"gamedata"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Driver     string         `json:"driver"` // sqlite|postgres
	SQLitePath string         `json:"sqlite_path"`
	Postgres   PostgresConfig `json:"postgres"`
	Redis      RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig enables the distributed sweep lock when URL is set.
type RedisConfig struct {
	URL     string   `json:"url"`
	LockKey string   `json:"lock_key"`
	LockTTL Duration `json:"lock_ttl"`
}

type VectorConfig struct {
	Backend  string                   `json:"backend"` // chromem|qdrant
	Path     string                   `json:"path"`
	Compress bool                     `json:"compress"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant"`
}

type MemoryConfig struct {
	DecayRate             float64  `json:"decay_rate"`
	CleanupDays           int      `json:"cleanup_days"`
	CleanupMinRelevance   float64  `json:"cleanup_min_relevance"`
	LowRelevanceThreshold float64  `json:"low_relevance_threshold"`
	SweepInterval         Duration `json:"sweep_interval"`
}

type RetrievalConfig struct {
	RecentLimit int      `json:"recent_limit"`
	NResults    int      `json:"n_results"`
	MaxDistance float64  `json:"max_distance"`
	Timeout     Duration `json:"timeout"`
}

type RouterConfig struct {
	BudgetTokens     int `json:"budget_tokens"`
	KnowledgeResults int `json:"knowledge_results"`
}

type KnowledgeConfig struct {
	ChunkSize int `json:"chunk_size"`
}

type IngestConfig struct {
	QueueSize int `json:"queue_size"`
}

type IndexingConfig struct {
	Workers     int `json:"workers"`
	MaxAttempts int `json:"max_attempts"`
	QueueSize   int `json:"queue_size"`
	BatchSize   int `json:"batch_size"`
}

type GatewayConfig struct {
	Discord DiscordGatewayConfig `json:"discord"`
}

type DiscordGatewayConfig struct {
	Enabled        bool   `json:"enabled"`
	BotToken       string `json:"bot_token"`
	ForumChannelID string `json:"forum_channel_id"`
}

type GameDataConfig struct {
	Path string `json:"path"`
}

// Duration reads JSON strings such as "30s" or "6h".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate fills defaults and rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	switch c.Database.Driver {
	case "":
		c.Database.Driver = "sqlite"
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/memory.db"
	}
	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("database.postgres.dsn is required for the postgres driver")
	}

	switch c.Vector.Backend {
	case "":
		c.Vector.Backend = "chromem"
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}
	if c.Vector.Backend == "chromem" && c.Vector.Path == "" {
		c.Vector.Path = "data/vectors"
	}
	if c.Vector.Qdrant.Host == "" {
		c.Vector.Qdrant.Host = "localhost"
	}
	if c.Vector.Qdrant.Port == 0 {
		c.Vector.Qdrant.Port = 6334
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}

	m := &c.Memory
	if m.DecayRate == 0 {
		m.DecayRate = 0.95
	}
	if m.DecayRate <= 0 || m.DecayRate > 1 {
		return fmt.Errorf("memory.decay_rate must be in (0, 1], got %v", m.DecayRate)
	}
	if m.CleanupDays == 0 {
		m.CleanupDays = 90
	}
	if m.CleanupMinRelevance == 0 {
		m.CleanupMinRelevance = 0.3
	}
	if m.LowRelevanceThreshold == 0 {
		m.LowRelevanceThreshold = 0.3
	}
	if m.SweepInterval.Duration == 0 {
		m.SweepInterval.Duration = 24 * time.Hour
	}

	r := &c.Retrieval
	if r.RecentLimit <= 0 {
		r.RecentLimit = 10
	}
	if r.NResults <= 0 {
		r.NResults = 5
	}
	if r.MaxDistance <= 0 {
		r.MaxDistance = 1.5
	}
	if r.Timeout.Duration <= 0 {
		r.Timeout.Duration = 10 * time.Second
	}

	if c.Router.BudgetTokens <= 0 {
		c.Router.BudgetTokens = 2000
	}
	if c.Knowledge.ChunkSize <= 0 {
		c.Knowledge.ChunkSize = 1500
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 256
	}

	ix := &c.Indexing
	if ix.Workers <= 0 {
		ix.Workers = 4
	}
	if ix.MaxAttempts <= 0 {
		ix.MaxAttempts = 3
	}
	if ix.QueueSize <= 0 {
		ix.QueueSize = 512
	}
	if ix.BatchSize <= 0 {
		ix.BatchSize = 100
	}

	if c.Gateway.Discord.Enabled && c.Gateway.Discord.BotToken == "" {
		return fmt.Errorf("gateway.discord.bot_token is required when discord is enabled")
	}
	return nil
}
