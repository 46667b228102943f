package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *InMemoryBackend) {
	t.Helper()

	backend := NewInMemoryBackend(100)
	opts = append([]StoreOption{WithClock(func() time.Time { return baseTime })}, opts...)
	store, err := NewStore(backend, opts...)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, backend
}

type failingBackend struct {
	*InMemoryBackend
	applyErr error
	loadErr  error
}

func (f *failingBackend) Apply(ctx context.Context, identity string, commit contractx.TurnCommit) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	return f.InMemoryBackend.Apply(ctx, identity, commit)
}

func (f *failingBackend) LoadTurns(ctx context.Context, identity string, limit int) ([]contractx.ConversationTurn, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.InMemoryBackend.LoadTurns(ctx, identity, limit)
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil); err == nil {
		t.Fatal("expected error for nil backend")
	}
	if _, err := NewStore(NewInMemoryBackend(0), WithSessionBounds(0, time.Hour)); err == nil {
		t.Fatal("expected error for zero max turns")
	}
}

func TestAppendTurnIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	turn := contractx.ConversationTurn{ID: "t1", InputText: "hi", Timestamp: baseTime}

	ok, err := store.AppendTurn(ctx, "u1", turn)
	if err != nil || !ok {
		t.Fatalf("first AppendTurn() = %v, %v", ok, err)
	}
	ok, err = store.AppendTurn(ctx, "u1", turn)
	if err != nil || ok {
		t.Fatalf("second AppendTurn() = %v, %v", ok, err)
	}

	turns, err := store.LoadSession(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
}

func TestAppendTurnRequiresID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.AppendTurn(context.Background(), "u1", contractx.ConversationTurn{})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCommitReplayDoesNotReapplyFacts(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	commit := contractx.TurnCommit{
		Turn:  contractx.ConversationTurn{ID: "t1", Timestamp: baseTime},
		Facts: map[string]contractx.MemoryEntry{"uld": {Value: "AKE", UpdatedAt: baseTime}},
	}
	if _, err := store.Commit(ctx, "u1", commit); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := store.MergeFacts(ctx, "u1", map[string]contractx.MemoryEntry{
		"uld": {Value: "AAA", UpdatedAt: baseTime.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("MergeFacts() error = %v", err)
	}

	// replay carries a newer timestamp but must not land
	commit.Facts["uld"] = contractx.MemoryEntry{Value: "AKE", UpdatedAt: baseTime.Add(time.Hour)}
	applied, err := store.Commit(ctx, "u1", commit)
	if err != nil || applied {
		t.Fatalf("replayed Commit() = %v, %v", applied, err)
	}

	facts, err := store.LoadFacts(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadFacts() error = %v", err)
	}
	if facts["uld"] != "AAA" {
		t.Fatalf("facts[uld] = %q, want AAA", facts["uld"])
	}
}

func TestMergeLastWriteWinsByTimestamp(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	newer := map[string]contractx.MemoryEntry{"lang": {Value: "th", UpdatedAt: baseTime.Add(2 * time.Second)}}
	older := map[string]contractx.MemoryEntry{"lang": {Value: "en", UpdatedAt: baseTime.Add(time.Second)}}

	if err := store.MergePreferences(ctx, "u1", newer); err != nil {
		t.Fatalf("MergePreferences(newer) error = %v", err)
	}
	if err := store.MergePreferences(ctx, "u1", older); err != nil {
		t.Fatalf("MergePreferences(older) error = %v", err)
	}

	prefs, err := store.LoadPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadPreferences() error = %v", err)
	}
	if prefs["lang"] != "th" {
		t.Fatalf("prefs[lang] = %q, want th", prefs["lang"])
	}
}

func TestMergeEqualTimestampLaterArrivalWins(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.MergeFacts(ctx, "u1", map[string]contractx.MemoryEntry{"k": {Value: "first", UpdatedAt: baseTime}})
	_ = store.MergeFacts(ctx, "u1", map[string]contractx.MemoryEntry{"k": {Value: "second", UpdatedAt: baseTime}})

	facts, _ := store.LoadFacts(ctx, "u1")
	if facts["k"] != "second" {
		t.Fatalf("facts[k] = %q, want second", facts["k"])
	}
}

func TestConcurrentMergesConverge(t *testing.T) {
	t.Parallel()

	for round := range 5 {
		store, _ := newTestStore(t)
		ctx := context.Background()

		const writers = 32
		order := rand.New(rand.NewSource(int64(round))).Perm(writers)

		var wg sync.WaitGroup
		for _, i := range order {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.MergeFacts(ctx, "u1", map[string]contractx.MemoryEntry{
					"k": {Value: fmt.Sprintf("v%02d", i), UpdatedAt: baseTime.Add(time.Duration(i) * time.Second)},
				})
				if err != nil {
					t.Errorf("MergeFacts(%d) error = %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		facts, err := store.LoadFacts(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadFacts() error = %v", err)
		}
		if want := fmt.Sprintf("v%02d", writers-1); facts["k"] != want {
			t.Fatalf("round %d: facts[k] = %q, want %q", round, facts["k"], want)
		}
	}
}

func TestConcurrentAppendsKeepEveryTurnOnce(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, WithSessionBounds(100, 0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		for range 3 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				turn := contractx.ConversationTurn{ID: fmt.Sprintf("t%d", i), Timestamp: baseTime}
				if _, err := store.AppendTurn(ctx, "u1", turn); err != nil {
					t.Errorf("AppendTurn() error = %v", err)
				}
			}(i)
		}
	}
	wg.Wait()

	turns, err := store.LoadSession(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(turns) != 20 {
		t.Fatalf("turns = %d, want 20", len(turns))
	}
}

func TestLoadSessionBoundedByTurnsAndAge(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, WithSessionBounds(3, time.Hour))
	ctx := context.Background()

	stamps := []time.Duration{-5 * time.Hour, -50 * time.Minute, -40 * time.Minute, -30 * time.Minute, -2 * time.Hour}
	for i, d := range stamps {
		turn := contractx.ConversationTurn{ID: fmt.Sprintf("t%d", i), Timestamp: baseTime.Add(d)}
		if _, err := store.AppendTurn(ctx, "u1", turn); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	turns, err := store.LoadSession(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	// last three appended are t2, t3, t4; t4 is older than an hour
	if len(turns) != 2 || turns[0].ID != "t2" || turns[1].ID != "t3" {
		t.Fatalf("unexpected session: %#v", turns)
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{InMemoryBackend: NewInMemoryBackend(0), applyErr: errors.New("disk full")}
	store, err := NewStore(backend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	_, err = store.Commit(ctx, "u1", contractx.TurnCommit{
		Turn:        contractx.ConversationTurn{ID: "t1"},
		Facts:       map[string]contractx.MemoryEntry{"a": {Value: "1"}},
		Preferences: map[string]contractx.MemoryEntry{"b": {Value: "2"}},
	})
	if !errors.Is(err, contractx.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	snap, err := store.Export(ctx, "u1")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if snap.Turns != 0 || len(snap.Facts) != 0 || len(snap.Preferences) != 0 {
		t.Fatalf("expected nothing persisted, got %#v", snap)
	}
}

func TestLoadSessionStorageUnavailable(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{InMemoryBackend: NewInMemoryBackend(0), loadErr: errors.New("timeout")}
	store, err := NewStore(backend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	_, err = store.LoadSession(context.Background(), "u1")
	if !errors.Is(err, contractx.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.MergeFacts(ctx, "alice", map[string]contractx.MemoryEntry{"secret": {Value: "a"}})
	if _, err := store.AppendTurn(ctx, "alice", contractx.ConversationTurn{ID: "t1", Timestamp: baseTime}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	facts, err := store.LoadFacts(ctx, "bob")
	if err != nil {
		t.Fatalf("LoadFacts() error = %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("bob sees alice's facts: %#v", facts)
	}
	turns, _ := store.LoadSession(ctx, "bob")
	if len(turns) != 0 {
		t.Fatalf("bob sees alice's turns: %#v", turns)
	}
}

func TestDeleteIdentity(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _ = store.Commit(ctx, "u1", contractx.TurnCommit{
		Turn:  contractx.ConversationTurn{ID: "t1", Timestamp: baseTime},
		Facts: map[string]contractx.MemoryEntry{"a": {Value: "1"}},
	})
	if err := store.DeleteIdentity(ctx, "u1"); err != nil {
		t.Fatalf("DeleteIdentity() error = %v", err)
	}

	snap, err := store.Export(ctx, "u1")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if snap.Turns != 0 || len(snap.Facts) != 0 {
		t.Fatalf("expected empty snapshot, got %#v", snap)
	}
}

func TestEmptyIdentityRejected(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.LoadSession(context.Background(), "  ")
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInMemoryBackendRetain(t *testing.T) {
	t.Parallel()

	backend := NewInMemoryBackend(2)
	ctx := context.Background()
	for i := range 4 {
		_ = backend.Apply(ctx, "u1", contractx.TurnCommit{Turn: contractx.ConversationTurn{ID: fmt.Sprintf("t%d", i)}})
	}

	n, _ := backend.CountTurns(ctx, "u1")
	if n != 2 {
		t.Fatalf("CountTurns() = %d, want 2", n)
	}
	seen, _ := backend.HasTurn(ctx, "u1", "t0")
	if !seen {
		t.Fatal("trimmed turn id must still be recognised")
	}
	if err := backend.Apply(ctx, "u1", contractx.TurnCommit{Turn: contractx.ConversationTurn{ID: "t0"}}); !errors.Is(err, ErrDuplicateTurn) {
		t.Fatalf("expected ErrDuplicateTurn, got %v", err)
	}
}
