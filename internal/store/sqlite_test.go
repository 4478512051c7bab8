package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

func newTestSQLite(t *testing.T, clock *fakeClock) memory.Store {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "memory.db"), zap.NewNop(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLite)
}

func TestSQLiteTimestampsNeverGoBackwards(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLite(t, clock)

	first := mustStore(t, s, chat("p1", "before skew"))
	clock.Advance(-time.Hour)
	second := mustStore(t, s, chat("p1", "after skew"))

	recs, err := s.GetRecentMessages(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != second || recs[1].ID != first {
		t.Fatalf("order after clock skew = %v, %v", recs[0].ID, recs[1].ID)
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s, err := NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, s, chat("p1", "persisted"))
	s.Close()

	s, err = NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	n, err := s.GetMessageCount(ctx, "p1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}

func TestSQLiteSweepRollsBack(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLite(t, clock)
	_, err := s.(*SQLiteStore).db.Exec(`CREATE TRIGGER fail_delete BEFORE DELETE ON player_memory
		BEGIN SELECT RAISE(ABORT, 'store unavailable'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	assertSweepRollsBack(t, s, clock)
}
