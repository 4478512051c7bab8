package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

//go:embed migrations
var migrationFS embed.FS

const defaultRecentLimit = 10

const recordColumns = `id, player_id, player_name, message, is_bot_response, timestamp, event_time,
	source, discord_user_id, discord_channel_id, discord_message_id, guild_id,
	relevance_score, index_state, index_attempts`

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to assign record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// migrate executes every *.up.sql file under dir in name order.
func migrate(ctx context.Context, dir string, exec func(ctx context.Context, sql string) error, logger *zap.Logger) error {
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrationFS, path.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if err := exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		logger.Debug("migration applied", zap.String("file", f))
	}
	return nil
}

func validateRate(rate float64) error {
	if rate <= 0 || rate > 1 {
		return &memory.ValidationError{Field: "decay_rate", Reason: "must be in (0, 1]"}
	}
	return nil
}

func validateCleanup(days int, minRelevance float64) error {
	if days < 0 {
		return &memory.ValidationError{Field: "days", Reason: "must not be negative"}
	}
	if minRelevance < 0 || minRelevance > 1 {
		return &memory.ValidationError{Field: "min_relevance", Reason: "must be in [0, 1]"}
	}
	return nil
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sourceStrings(sources []memory.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
