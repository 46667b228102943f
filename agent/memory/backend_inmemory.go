package memory

import (
	"context"
	"sync"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

type identityMemory struct {
	turns   []contractx.ConversationTurn
	turnIDs map[string]struct{}
	entries map[contractx.MemoryKind]map[string]contractx.MemoryEntry
}

// InMemoryBackend keeps all partitions in process memory.
type InMemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]*identityMemory
	retain int
}

func NewInMemoryBackend(retain int) *InMemoryBackend {
	return &InMemoryBackend{
		data:   make(map[string]*identityMemory),
		retain: retain,
	}
}

func (b *InMemoryBackend) LoadTurns(_ context.Context, identity string, limit int) ([]contractx.ConversationTurn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.data[identity]
	if !ok {
		return nil, nil
	}
	turns := m.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]contractx.ConversationTurn(nil), turns...), nil
}

func (b *InMemoryBackend) CountTurns(_ context.Context, identity string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if m, ok := b.data[identity]; ok {
		return len(m.turns), nil
	}
	return 0, nil
}

func (b *InMemoryBackend) HasTurn(_ context.Context, identity, turnID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.data[identity]
	if !ok {
		return false, nil
	}
	_, seen := m.turnIDs[turnID]
	return seen, nil
}

func (b *InMemoryBackend) LoadEntries(_ context.Context, identity string, kind contractx.MemoryKind) (map[string]contractx.MemoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := map[string]contractx.MemoryEntry{}
	if m, ok := b.data[identity]; ok {
		for k, v := range m.entries[kind] {
			out[k] = v
		}
	}
	return out, nil
}

func (b *InMemoryBackend) Apply(_ context.Context, identity string, commit contractx.TurnCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.data[identity]
	if !ok {
		m = &identityMemory{
			turnIDs: make(map[string]struct{}),
			entries: map[contractx.MemoryKind]map[string]contractx.MemoryEntry{
				contractx.KindFact:       {},
				contractx.KindPreference: {},
			},
		}
		b.data[identity] = m
	}

	if commit.Turn.ID != "" {
		if _, seen := m.turnIDs[commit.Turn.ID]; seen {
			return ErrDuplicateTurn
		}
		m.turnIDs[commit.Turn.ID] = struct{}{}
		m.turns = append(m.turns, commit.Turn)
		if b.retain > 0 && len(m.turns) > b.retain {
			m.turns = append([]contractx.ConversationTurn(nil), m.turns[len(m.turns)-b.retain:]...)
		}
	}

	for k, v := range commit.Facts {
		m.entries[contractx.KindFact][k] = v
	}
	for k, v := range commit.Preferences {
		m.entries[contractx.KindPreference][k] = v
	}
	return nil
}

func (b *InMemoryBackend) DeleteIdentity(_ context.Context, identity string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, identity)
	return nil
}

// PurgeBefore drops turns older than cutoff. Turn ids are kept so that late
// replays of purged turns are still recognised.
func (b *InMemoryBackend) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var purged int64
	for _, m := range b.data {
		kept := m.turns[:0]
		for _, turn := range m.turns {
			if turn.Timestamp.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, turn)
		}
		m.turns = kept
	}
	return purged, nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}
