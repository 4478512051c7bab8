package lock

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/nidhogg/amc-memory/internal/memory"
)

var _ memory.SweepLock = (*RedisLock)(nil)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestRedisLockExclusive(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	a, err := NewRedisLock(ctx, url, "test:sweep", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	defer a.Close()
	b, err := NewRedisLock(ctx, url, "test:sweep", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	defer b.Close()

	release, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("second instance acquired a held lock: ok=%v err=%v", ok, err)
	}
	release()
	release2, ok, err := b.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	release2()
}

func TestRedisLockReleaseKeepsForeignHolder(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	a, err := NewRedisLock(ctx, url, "test:expire", 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	defer a.Close()

	staleRelease, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(400 * time.Millisecond)

	freshRelease, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after ttl: ok=%v err=%v", ok, err)
	}
	defer freshRelease()

	// The expired holder must not delete the new holder's key.
	staleRelease()
	if _, ok, _ := a.TryAcquire(ctx); ok {
		t.Fatal("stale release removed the current holder's lock")
	}
}

func TestRedisLockBadURL(t *testing.T) {
	if _, err := NewRedisLock(context.Background(), "not a url", "", 0, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweeperSkipsWhenRedisHeld(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	l, err := NewRedisLock(ctx, url, "test:sweeper", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	defer l.Close()
	release, ok, err := l.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	sw := memory.NewSweeper(nil, memory.DefaultDecayConfig(), nil, memory.WithSweepLock(l))
	rep, err := sw.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !rep.Skipped {
		t.Error("expected tick to be skipped while another instance holds the lock")
	}
}
