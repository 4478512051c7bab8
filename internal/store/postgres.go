package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

// PGStore is the PostgreSQL MemoryStore backend.
type PGStore struct {
	db     *pgxpool.Pool
	opts   options
	logger *zap.Logger
}

var _ memory.Store = (*PGStore)(nil)

// NewPostgres creates a PGStore with a pgx connection pool and applies migrations.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger, opts ...Option) (*PGStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{db: pool, opts: buildOptions(opts), logger: logger}
	err = migrate(ctx, "migrations/postgres", func(ctx context.Context, q string) error {
		_, err := pool.Exec(ctx, q)
		return err
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL memory store connected")
	return s, nil
}

func (s *PGStore) Store(ctx context.Context, rec memory.NewRecord) (int64, error) {
	rec, err := rec.Normalize()
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO player_memory (player_id, player_name, message, is_bot_response, timestamp,
			event_time, source, discord_user_id, discord_channel_id, discord_message_id, guild_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		rec.PlayerID, rec.PlayerName, rec.Message, rec.IsBotResponse, s.opts.now().UTC(),
		rec.EventTime, string(rec.Source), nullable(rec.DiscordUserID), nullable(rec.DiscordChannelID),
		nullable(rec.DiscordMessageID), nullable(rec.GuildID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

func (s *PGStore) GetRecentMessages(ctx context.Context, playerID string, limit int, sources ...memory.Source) ([]memory.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM player_memory WHERE player_id = $1`
	args := []any{playerID}
	if len(sources) > 0 {
		q += ` AND source = ANY($3)`
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT $2`
	args = append(args, recentLimit(limit))
	if len(sources) > 0 {
		args = append(args, sourceStrings(sources))
	}

	recs, err := s.queryRecords(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	return recs, nil
}

func (s *PGStore) GetByIDs(ctx context.Context, ids []int64) (map[int64]memory.Record, error) {
	out := make(map[int64]memory.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := s.queryRecords(ctx, `SELECT `+recordColumns+` FROM player_memory WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories by id: %w", err)
	}
	for _, r := range recs {
		out[r.ID] = r
	}
	return out, nil
}

func (s *PGStore) GetMessageCount(ctx context.Context, playerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM player_memory WHERE $1 = '' OR player_id = $1`, playerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *PGStore) GetMemoryStats(ctx context.Context) (*memory.Stats, error) {
	st := &memory.Stats{PerPlayer: make(map[string]int)}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT player_id),
		       COUNT(*) FILTER (WHERE is_bot_response),
		       COALESCE(AVG(relevance_score), 0),
		       MIN(timestamp), MAX(timestamp),
		       COUNT(*) FILTER (WHERE index_state = 'indexed'),
		       COUNT(*) FILTER (WHERE index_state = 'pending'),
		       COUNT(*) FILTER (WHERE index_state = 'failed')
		FROM player_memory`).Scan(
		&st.TotalCount, &st.UniquePlayers, &st.BotResponses, &st.AvgRelevance,
		&st.OldestMemory, &st.NewestMemory, &st.Indexed, &st.PendingIndex, &st.FailedIndex)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT player_id, COUNT(*) FROM player_memory GROUP BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("per-player stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan per-player stats: %w", err)
		}
		st.PerPlayer[id] = n
	}
	return st, rows.Err()
}

func (s *PGStore) DecayRelevanceScores(ctx context.Context, rate float64) (int, error) {
	if err := validateRate(rate); err != nil {
		return 0, err
	}
	var n int
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		n, err = decayPG(ctx, tx, rate)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("decay relevance scores: %w", err)
	}
	s.logger.Debug("relevance decayed", zap.Float64("rate", rate), zap.Int("updated", n))
	return n, nil
}

func (s *PGStore) GetLowRelevanceCount(ctx context.Context, threshold float64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM player_memory WHERE relevance_score < $1`, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count low relevance: %w", err)
	}
	return n, nil
}

func (s *PGStore) CleanupOldMemories(ctx context.Context, days int, minRelevance float64) ([]int64, error) {
	if err := validateCleanup(days, minRelevance); err != nil {
		return nil, err
	}
	var ids []int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		ids, err = s.cleanupPG(ctx, tx, days, minRelevance)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup old memories: %w", err)
	}
	return ids, nil
}

func (s *PGStore) Sweep(ctx context.Context, cfg memory.DecayConfig) (memory.SweepResult, error) {
	if err := validateRate(cfg.Rate); err != nil {
		return memory.SweepResult{}, err
	}
	if err := validateCleanup(cfg.CleanupDays, cfg.CleanupMinRelevance); err != nil {
		return memory.SweepResult{}, err
	}
	var res memory.SweepResult
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		if res.Decayed, err = decayPG(ctx, tx, cfg.Rate); err != nil {
			return fmt.Errorf("decay: %w", err)
		}
		err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM player_memory WHERE relevance_score < $1`,
			cfg.LowRelevanceThreshold).Scan(&res.LowRelevance)
		if err != nil {
			return fmt.Errorf("count low relevance: %w", err)
		}
		if res.DeletedIDs, err = s.cleanupPG(ctx, tx, cfg.CleanupDays, cfg.CleanupMinRelevance); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		return nil
	})
	if err != nil {
		return memory.SweepResult{}, fmt.Errorf("sweep: %w", err)
	}
	return res, nil
}

func decayPG(ctx context.Context, tx pgx.Tx, rate float64) (int, error) {
	tag, err := tx.Exec(ctx, `UPDATE player_memory SET relevance_score = relevance_score * $1`, rate)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) cleanupPG(ctx context.Context, tx pgx.Tx, days int, minRelevance float64) ([]int64, error) {
	cutoff := s.opts.now().Add(-time.Duration(days) * 24 * time.Hour).UTC()
	rows, err := tx.Query(ctx, `
		DELETE FROM player_memory
		WHERE timestamp <= $1 AND relevance_score < $2
		RETURNING id`, cutoff, minRelevance)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PGStore) PendingIndex(ctx context.Context, afterID int64, limit, maxAttempts int) ([]memory.Record, error) {
	recs, err := s.queryRecords(ctx, `SELECT `+recordColumns+` FROM player_memory
		WHERE index_state = 'pending' AND index_attempts < $1 AND id > $2 ORDER BY id LIMIT $3`, maxAttempts, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending index: %w", err)
	}
	return recs, nil
}

func (s *PGStore) MarkIndexed(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE player_memory SET index_state = 'indexed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkIndexFailed(ctx context.Context, id int64, maxAttempts int) (bool, error) {
	var state string
	err := s.db.QueryRow(ctx, `
		UPDATE player_memory
		SET index_attempts = index_attempts + 1,
		    index_state = CASE WHEN index_attempts + 1 >= $1 THEN 'failed' ELSE 'pending' END
		WHERE id = $2
		RETURNING index_state`, maxAttempts, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark index failed: %w", err)
	}
	return state == string(memory.IndexFailed), nil
}

func (s *PGStore) RequeueIndex(ctx context.Context, ids ...int64) (int, error) {
	q := `UPDATE player_memory SET index_state = 'pending', index_attempts = 0 WHERE index_state = 'failed'`
	var args []any
	if len(ids) > 0 {
		q += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue index: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) IndexedIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM player_memory WHERE index_state = 'indexed' AND id > $1 ORDER BY id LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("indexed ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("indexed ids: %w", err)
	}
	return ids, nil
}

func (s *PGStore) ResetIndexState(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE player_memory SET index_state = 'pending', index_attempts = 0
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("reset index state: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PGStore) queryRecords(ctx context.Context, q string, args ...any) ([]memory.Record, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			r                        memory.Record
			src, state               string
			userID, chanID, msgID, g *string
		)
		if err := rows.Scan(&r.ID, &r.PlayerID, &r.PlayerName, &r.Message, &r.IsBotResponse, &r.Timestamp,
			&r.EventTime, &src, &userID, &chanID, &msgID, &g,
			&r.RelevanceScore, &state, &r.IndexAttempts); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.Source = memory.Source(src)
		r.IndexState = memory.IndexState(state)
		r.DiscordUserID, r.DiscordChannelID = deref(userID), deref(chanID)
		r.DiscordMessageID, r.GuildID = deref(msgID), deref(g)
		out = append(out, r)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
