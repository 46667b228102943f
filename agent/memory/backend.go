package memory

import (
	"context"
	"errors"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var (
	ErrDuplicateTurn   = errors.New("turn already recorded")
	ErrInvalidIdentity = errors.New("identity is empty")
)

// Backend is the physical storage behind Store. Implementations only need to
// be atomic per Apply call; ordering and merge rules live in Store.
type Backend interface {
	// LoadTurns returns at most limit of the most recent turns, oldest first.
	LoadTurns(ctx context.Context, identity string, limit int) ([]contractx.ConversationTurn, error)
	CountTurns(ctx context.Context, identity string) (int, error)
	HasTurn(ctx context.Context, identity, turnID string) (bool, error)
	LoadEntries(ctx context.Context, identity string, kind contractx.MemoryKind) (map[string]contractx.MemoryEntry, error)

	// Apply writes the turn (when commit.Turn.ID is set) and the already
	// resolved entries in one unit. A recorded turn id yields ErrDuplicateTurn
	// and nothing is written.
	Apply(ctx context.Context, identity string, commit contractx.TurnCommit) error

	DeleteIdentity(ctx context.Context, identity string) error
	Close() error
}

// Purger is implemented by backends that can drop expired turns in bulk.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
