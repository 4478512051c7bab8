package store

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/amc-memory/internal/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *fakeClock) memory.Store

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore) })
	t.Run("RecentOrdering", func(t *testing.T) { testRecentOrdering(t, newStore) })
	t.Run("SourceFilter", func(t *testing.T) { testSourceFilter(t, newStore) })
	t.Run("Decay", func(t *testing.T) { testDecay(t, newStore) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, newStore) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, newStore) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore) })
	t.Run("IndexState", func(t *testing.T) { testIndexState(t, newStore) })
	t.Run("ConcurrentIdentities", func(t *testing.T) { testConcurrentIdentities(t, newStore) })
}

func mustStore(t *testing.T, s memory.Store, rec memory.NewRecord) int64 {
	t.Helper()
	id, err := s.Store(context.Background(), rec)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return id
}

func chat(player, msg string) memory.NewRecord {
	return memory.NewRecord{PlayerID: player, Message: msg, Source: memory.SourceGameChat}
}

func testValidation(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()

	_, err := s.Store(ctx, memory.NewRecord{Message: "hello", Source: memory.SourceGameChat})
	if !memory.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := s.DecayRelevanceScores(ctx, 1.5); !memory.IsValidation(err) {
		t.Errorf("decay rate 1.5: expected ValidationError, got %v", err)
	}
	n, err := s.GetMessageCount(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected record was persisted, count = %d", n)
	}
}

func testRecentOrdering(t *testing.T, newStore storeFactory) {
	clock := newFakeClock()
	s := newStore(t, clock)
	ctx := context.Background()

	// three records share a timestamp; one later record
	a := mustStore(t, s, chat("p1", "first"))
	b := mustStore(t, s, chat("p1", "second"))
	c := mustStore(t, s, chat("p1", "second"))
	clock.Advance(time.Second)
	d := mustStore(t, s, chat("p1", "third"))
	mustStore(t, s, chat("p2", "other player"))

	recs, err := s.GetRecentMessages(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []int64{d, c, b, a}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, id := range want {
		if recs[i].ID != id {
			t.Errorf("recs[%d].ID = %d, want %d", i, recs[i].ID, id)
		}
	}
	if recs[0].PlayerName != "p1" || recs[0].RelevanceScore != 1.0 {
		t.Errorf("defaults not applied: %+v", recs[0])
	}
	if recs[0].IndexState != memory.IndexPending {
		t.Errorf("index state = %q, want pending", recs[0].IndexState)
	}

	limited, err := s.GetRecentMessages(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("recent limit: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != d {
		t.Errorf("limit 2 returned %d records", len(limited))
	}
}

func testSourceFilter(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()

	mustStore(t, s, chat("p1", "in game"))
	dm := mustStore(t, s, memory.NewRecord{
		PlayerID: "p1", Message: "in dm", Source: memory.SourceDirectMessage,
		DiscordUserID: "42", DiscordChannelID: "c1", DiscordMessageID: "m1",
	})

	recs, err := s.GetRecentMessages(ctx, "p1", 10, memory.SourceDirectMessage)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != dm {
		t.Fatalf("source filter returned %+v", recs)
	}
	if recs[0].DiscordUserID != "42" || recs[0].GuildID != "" {
		t.Errorf("linking ids = %q/%q", recs[0].DiscordUserID, recs[0].GuildID)
	}
}

func testDecay(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()
	id := mustStore(t, s, chat("p1", "decays"))

	for i := 0; i < 4; i++ {
		n, err := s.DecayRelevanceScores(ctx, 0.95)
		if err != nil {
			t.Fatalf("decay: %v", err)
		}
		if n != 1 {
			t.Errorf("decay updated %d, want 1", n)
		}
	}
	got, err := s.GetByIDs(ctx, []int64{id})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := math.Pow(0.95, 4); math.Abs(got[id].RelevanceScore-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got[id].RelevanceScore, want)
	}
}

func testCleanup(t *testing.T, newStore storeFactory) {
	// decay is global, so each case gets its own store
	tests := []struct {
		name    string
		ageDays int
		score   float64
		deleted bool
	}{
		{"old and low", 91, 0.2, true},
		{"old but relevant", 91, 0.5, false},
		{"low but recent", 10, 0.1, false},
		{"exactly at the age limit", 90, 0.2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			s := newStore(t, clock)
			ctx := context.Background()

			id := mustStore(t, s, chat("p1", tt.name))
			if _, err := s.DecayRelevanceScores(ctx, tt.score); err != nil {
				t.Fatalf("decay: %v", err)
			}
			clock.Advance(time.Duration(tt.ageDays) * 24 * time.Hour)

			low, err := s.GetLowRelevanceCount(ctx, 0.3)
			if err != nil {
				t.Fatalf("low count: %v", err)
			}
			if want := tt.score < 0.3; (low == 1) != want {
				t.Errorf("low relevance count = %d", low)
			}

			ids, err := s.CleanupOldMemories(ctx, 90, 0.3)
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			if tt.deleted != (len(ids) == 1 && ids[0] == id) {
				t.Fatalf("deleted ids = %v, want deleted=%v", ids, tt.deleted)
			}
			left, err := s.GetByIDs(ctx, []int64{id})
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if _, ok := left[id]; ok == tt.deleted {
				t.Errorf("record present = %v after cleanup", ok)
			}

			again, err := s.CleanupOldMemories(ctx, 90, 0.3)
			if err != nil {
				t.Fatalf("second cleanup: %v", err)
			}
			if len(again) != 0 {
				t.Errorf("second cleanup deleted %d, want 0", len(again))
			}
		})
	}
}

func testSweep(t *testing.T, newStore storeFactory) {
	clock := newFakeClock()
	s := newStore(t, clock)
	ctx := context.Background()

	old := mustStore(t, s, chat("p1", "old news"))
	clock.Advance(100 * 24 * time.Hour)
	fresh := mustStore(t, s, chat("p1", "fresh news"))

	cfg := memory.DecayConfig{Rate: 0.25, CleanupDays: 90, CleanupMinRelevance: 0.3, LowRelevanceThreshold: 0.3}
	res, err := s.Sweep(ctx, cfg)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Decayed != 2 || res.LowRelevance != 2 {
		t.Errorf("decayed = %d low = %d, want 2 and 2", res.Decayed, res.LowRelevance)
	}
	if len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != old {
		t.Fatalf("deleted = %v, want [%d]", res.DeletedIDs, old)
	}
	left, err := s.GetByIDs(ctx, []int64{old, fresh})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := left[old]; ok {
		t.Error("old record survived the sweep")
	}
	if got := left[fresh].RelevanceScore; math.Abs(got-0.25) > 1e-9 {
		t.Errorf("fresh score = %v, want 0.25", got)
	}

	if _, err := s.Sweep(ctx, memory.DecayConfig{Rate: 0}); !memory.IsValidation(err) {
		t.Errorf("rate 0: expected ValidationError, got %v", err)
	}
}

// assertSweepRollsBack runs a sweep whose delete step fails and checks
// that no score moved.
func assertSweepRollsBack(t *testing.T, s memory.Store, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	id := mustStore(t, s, chat("p1", "doomed"))
	if _, err := s.DecayRelevanceScores(ctx, 0.2); err != nil {
		t.Fatalf("decay: %v", err)
	}
	clock.Advance(91 * 24 * time.Hour)

	cfg := memory.DecayConfig{Rate: 0.5, CleanupDays: 90, CleanupMinRelevance: 0.3, LowRelevanceThreshold: 0.3}
	if _, err := s.Sweep(ctx, cfg); err == nil {
		t.Fatal("expected the sweep to fail")
	}
	got, err := s.GetByIDs(ctx, []int64{id})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec, ok := got[id]
	if !ok {
		t.Fatal("record deleted by a failed sweep")
	}
	if math.Abs(rec.RelevanceScore-0.2) > 1e-9 {
		t.Errorf("score after failed sweep = %v, want 0.2", rec.RelevanceScore)
	}
}

func testStats(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()

	empty, err := s.GetMemoryStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if empty.TotalCount != 0 || empty.AvgRelevance != 0 || empty.OldestMemory != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	mustStore(t, s, chat("p1", "a"))
	mustStore(t, s, chat("p1", "b"))
	mustStore(t, s, memory.NewRecord{PlayerID: "p2", Message: "c", Source: memory.SourceChannelMessage, IsBotResponse: true})

	st, err := s.GetMemoryStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalCount != 3 || st.UniquePlayers != 2 || st.BotResponses != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.PerPlayer["p1"] != 2 || st.PerPlayer["p2"] != 1 {
		t.Errorf("per player = %v", st.PerPlayer)
	}
	if st.AvgRelevance != 1.0 || st.PendingIndex != 3 {
		t.Errorf("avg = %v pending = %d", st.AvgRelevance, st.PendingIndex)
	}
	if st.OldestMemory == nil || st.NewestMemory == nil {
		t.Error("expected oldest and newest timestamps")
	}
}

func testIndexState(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()
	a := mustStore(t, s, chat("p1", "a"))
	b := mustStore(t, s, chat("p1", "b"))

	if err := s.MarkIndexed(ctx, a); err != nil {
		t.Fatalf("mark indexed: %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		permanent, err := s.MarkIndexFailed(ctx, b, 3)
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if permanent != (attempt == 3) {
			t.Errorf("attempt %d permanent = %v", attempt, permanent)
		}
	}

	pending, err := s.PendingIndex(ctx, 0, 10, 3)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("failed record still pending: %+v", pending)
	}

	indexed, err := s.IndexedIDs(ctx, 0, 10)
	if err != nil {
		t.Fatalf("indexed ids: %v", err)
	}
	if len(indexed) != 1 || indexed[0] != a {
		t.Errorf("indexed = %v", indexed)
	}

	n, err := s.RequeueIndex(ctx)
	if err != nil || n != 1 {
		t.Fatalf("requeue = %d, %v", n, err)
	}
	if err := s.ResetIndexState(ctx, a); err != nil {
		t.Fatalf("reset: %v", err)
	}
	pending, err = s.PendingIndex(ctx, 0, 10, 3)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != a || pending[1].IndexAttempts != 0 {
		t.Errorf("pending after requeue = %+v", pending)
	}

	// a deleted record reports not permanent and no error
	if permanent, err := s.MarkIndexFailed(ctx, 9999, 3); err != nil || permanent {
		t.Errorf("missing record: permanent=%v err=%v", permanent, err)
	}
}

func testConcurrentIdentities(t *testing.T, newStore storeFactory) {
	s := newStore(t, newFakeClock())
	ctx := context.Background()
	const perPlayer = 40

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, p := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(player string) {
			defer wg.Done()
			for i := 0; i < perPlayer; i++ {
				if _, err := s.Store(ctx, chat(player, fmt.Sprintf("%s-%03d", player, i))); err != nil {
					errs <- err
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent store: %v", err)
	}

	for _, p := range []string{"alice", "bob"} {
		recs, err := s.GetRecentMessages(ctx, p, perPlayer)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(recs) != perPlayer {
			t.Fatalf("%s has %d records, want %d", p, len(recs), perPlayer)
		}
		for i, r := range recs {
			want := fmt.Sprintf("%s-%03d", p, perPlayer-1-i)
			if r.Message != want {
				t.Fatalf("%s recs[%d] = %q, want %q", p, i, r.Message, want)
			}
		}
	}
}
