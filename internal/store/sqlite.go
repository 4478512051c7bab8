package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/amc-memory/internal/memory"
)

// SQLiteStore is the embedded MemoryStore backend. A single connection
// serializes writers, so ids and timestamps are assigned in one order.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	logger *zap.Logger

	mu     sync.Mutex
	lastTS int64
}

var _ memory.Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates the database at path and applies migrations.
func NewSQLite(ctx context.Context, dbPath string, logger *zap.Logger, opts ...Option) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, opts: buildOptions(opts), logger: logger}
	err = migrate(ctx, "migrations/sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite memory store opened", zap.String("path", dbPath))
	return s, nil
}

// nextTimestamp returns the store clock, never earlier than the previous
// assignment, so insertion order and timestamp order agree.
func (s *SQLiteStore) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.opts.now().UnixNano()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *SQLiteStore) Store(ctx context.Context, rec memory.NewRecord) (int64, error) {
	rec, err := rec.Normalize()
	if err != nil {
		return 0, err
	}
	var eventTime *int64
	if rec.EventTime != nil {
		v := rec.EventTime.UnixNano()
		eventTime = &v
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO player_memory (player_id, player_name, message, is_bot_response, timestamp,
			event_time, source, discord_user_id, discord_channel_id, discord_message_id, guild_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlayerID, rec.PlayerName, rec.Message, rec.IsBotResponse, s.nextTimestamp(),
		eventTime, string(rec.Source), nullable(rec.DiscordUserID), nullable(rec.DiscordChannelID),
		nullable(rec.DiscordMessageID), nullable(rec.GuildID))
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert memory id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetRecentMessages(ctx context.Context, playerID string, limit int, sources ...memory.Source) ([]memory.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM player_memory WHERE player_id = ?`
	args := []any{playerID}
	if len(sources) > 0 {
		q += ` AND source IN (` + placeholders(len(sources)) + `)`
		for _, src := range sourceStrings(sources) {
			args = append(args, src)
		}
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, recentLimit(limit))

	recs, err := s.queryRecords(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []int64) (map[int64]memory.Record, error) {
	out := make(map[int64]memory.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	recs, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM player_memory WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories by id: %w", err)
	}
	for _, r := range recs {
		out[r.ID] = r
	}
	return out, nil
}

func (s *SQLiteStore) GetMessageCount(ctx context.Context, playerID string) (int, error) {
	q, args := `SELECT COUNT(*) FROM player_memory`, []any{}
	if playerID != "" {
		q += ` WHERE player_id = ?`
		args = append(args, playerID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetMemoryStats(ctx context.Context) (*memory.Stats, error) {
	st := &memory.Stats{PerPlayer: make(map[string]int)}
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT player_id),
		       COALESCE(SUM(is_bot_response), 0),
		       COALESCE(AVG(relevance_score), 0),
		       MIN(timestamp), MAX(timestamp),
		       COALESCE(SUM(index_state = 'indexed'), 0),
		       COALESCE(SUM(index_state = 'pending'), 0),
		       COALESCE(SUM(index_state = 'failed'), 0)
		FROM player_memory`).Scan(
		&st.TotalCount, &st.UniquePlayers, &st.BotResponses, &st.AvgRelevance,
		&oldest, &newest, &st.Indexed, &st.PendingIndex, &st.FailedIndex)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		st.OldestMemory = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64).UTC()
		st.NewestMemory = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT player_id, COUNT(*) FROM player_memory GROUP BY player_id`)
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

func (s *SQLiteStore) DecayRelevanceScores(ctx context.Context, rate float64) (int, error) {
	if err := validateRate(rate); err != nil {
		return 0, err
	}
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = decaySQLite(ctx, tx, rate)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("decay relevance scores: %w", err)
	}
	s.logger.Debug("relevance decayed", zap.Float64("rate", rate), zap.Int("updated", n))
	return n, nil
}

func (s *SQLiteStore) GetLowRelevanceCount(ctx context.Context, threshold float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM player_memory WHERE relevance_score < ?`, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count low relevance: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CleanupOldMemories(ctx context.Context, days int, minRelevance float64) ([]int64, error) {
	if err := validateCleanup(days, minRelevance); err != nil {
		return nil, err
	}
	var ids []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.cleanupSQLite(ctx, tx, days, minRelevance)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup old memories: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, cfg memory.DecayConfig) (memory.SweepResult, error) {
	if err := validateRate(cfg.Rate); err != nil {
		return memory.SweepResult{}, err
	}
	if err := validateCleanup(cfg.CleanupDays, cfg.CleanupMinRelevance); err != nil {
		return memory.SweepResult{}, err
	}
	var res memory.SweepResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if res.Decayed, err = decaySQLite(ctx, tx, cfg.Rate); err != nil {
			return fmt.Errorf("decay: %w", err)
		}
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM player_memory WHERE relevance_score < ?`,
			cfg.LowRelevanceThreshold).Scan(&res.LowRelevance)
		if err != nil {
			return fmt.Errorf("count low relevance: %w", err)
		}
		if res.DeletedIDs, err = s.cleanupSQLite(ctx, tx, cfg.CleanupDays, cfg.CleanupMinRelevance); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		return nil
	})
	if err != nil {
		return memory.SweepResult{}, fmt.Errorf("sweep: %w", err)
	}
	return res, nil
}

func decaySQLite(ctx context.Context, tx *sql.Tx, rate float64) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE player_memory SET relevance_score = relevance_score * ?`, rate)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) cleanupSQLite(ctx context.Context, tx *sql.Tx, days int, minRelevance float64) ([]int64, error) {
	cutoff := s.opts.now().Add(-time.Duration(days) * 24 * time.Hour).UnixNano()
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM player_memory WHERE timestamp <= ? AND relevance_score < ? ORDER BY id`,
		cutoff, minRelevance)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM player_memory WHERE timestamp <= ? AND relevance_score < ?`, cutoff, minRelevance)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) PendingIndex(ctx context.Context, afterID int64, limit, maxAttempts int) ([]memory.Record, error) {
	recs, err := s.queryRecords(ctx, `SELECT `+recordColumns+` FROM player_memory
		WHERE index_state = 'pending' AND index_attempts < ? AND id > ? ORDER BY id LIMIT ?`, maxAttempts, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending index: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE player_memory SET index_state = 'indexed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkIndexFailed(ctx context.Context, id int64, maxAttempts int) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `
		UPDATE player_memory
		SET index_attempts = index_attempts + 1,
		    index_state = CASE WHEN index_attempts + 1 >= ? THEN 'failed' ELSE 'pending' END
		WHERE id = ?
		RETURNING index_state`, maxAttempts, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark index failed: %w", err)
	}
	return state == string(memory.IndexFailed), nil
}

func (s *SQLiteStore) RequeueIndex(ctx context.Context, ids ...int64) (int, error) {
	q := `UPDATE player_memory SET index_state = 'pending', index_attempts = 0 WHERE index_state = 'failed'`
	var args []any
	if len(ids) > 0 {
		q += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue index: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) IndexedIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM player_memory WHERE index_state = 'indexed' AND id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("indexed ids: %w", err)
	}
	return scanIDs(rows)
}

func (s *SQLiteStore) ResetIndexState(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `UPDATE player_memory SET index_state = 'pending', index_attempts = 0
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("reset index state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryRecords(ctx context.Context, q string, args ...any) ([]memory.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			r                        memory.Record
			ts                       int64
			eventTime                sql.NullInt64
			src, state               string
			userID, chanID, msgID, g sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PlayerID, &r.PlayerName, &r.Message, &r.IsBotResponse, &ts,
			&eventTime, &src, &userID, &chanID, &msgID, &g,
			&r.RelevanceScore, &state, &r.IndexAttempts); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		if eventTime.Valid {
			t := time.Unix(0, eventTime.Int64).UTC()
			r.EventTime = &t
		}
		r.Source = memory.Source(src)
		r.IndexState = memory.IndexState(state)
		r.DiscordUserID, r.DiscordChannelID = userID.String, chanID.String
		r.DiscordMessageID, r.GuildID = msgID.String, g.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
