package memory

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"go.uber.org/goleak"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewKeyedMutex()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "u1")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
	if m.size() != 0 {
		t.Fatalf("lock table not cleaned up: %d entries", m.size())
	}
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) error = %v", err)
	}
	unlockB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	t.Parallel()

	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutexUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	unlock()
	unlock()

	unlock, err = m.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("re-Lock() error = %v", err)
	}
	unlock()
}

func TestRedisLockerIntegration(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	locker, err := NewRedisLockerFromURL(url, time.Second)
	if err != nil {
		t.Fatalf("NewRedisLockerFromURL() error = %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })

	unlock, err := locker.Lock(context.Background(), "it-u1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "it-u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while held, got %v", err)
	}

	unlock()
	unlock2, err := locker.Lock(context.Background(), "it-u1")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	unlock2()
}

func TestJanitorRunOncePurgesExpiredTurns(t *testing.T) {
	t.Parallel()

	backend := NewInMemoryBackend(0)
	ctx := context.Background()
	for id, at := range map[string]time.Time{
		"old": baseTime.Add(-48 * time.Hour),
		"new": baseTime.Add(-time.Hour),
	} {
		commit := contractx.TurnCommit{Turn: contractx.ConversationTurn{ID: id, Timestamp: at}}
		if err := backend.Apply(ctx, "u1", commit); err != nil {
			t.Fatalf("Apply(%s) error = %v", id, err)
		}
	}

	var reported int64
	j, err := NewJanitor(backend, 24*time.Hour, time.Minute, zerolog.Nop(), OnPurge(func(n int64) { reported += n }))
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.now = func() time.Time { return baseTime }
	j.Start()
	t.Cleanup(func() { _ = j.Stop() })

	purged, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if purged != 1 || reported != 1 {
		t.Fatalf("purged = %d reported = %d, want 1", purged, reported)
	}

	turns, _ := backend.LoadTurns(ctx, "u1", 0)
	if len(turns) != 1 || turns[0].ID != "new" {
		t.Fatalf("unexpected turns: %#v", turns)
	}
}

func TestNewJanitorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewJanitor(nil, time.Hour, time.Minute, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil purger")
	}
	if _, err := NewJanitor(NewInMemoryBackend(0), 0, time.Minute, zerolog.Nop()); err == nil {
		t.Fatal("expected error for zero retention")
	}
}
