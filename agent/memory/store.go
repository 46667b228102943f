package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

type Config struct {
	Backend         string        `envconfig:"BACKEND" split_words:"true" default:"inmemory"`
	MaxTurns        int           `envconfig:"MAX_TURNS" split_words:"true" default:"20"`
	MaxAge          time.Duration `envconfig:"MAX_AGE" split_words:"true" default:"24h"`
	RetainTurns     int           `envconfig:"RETAIN_TURNS" split_words:"true" default:"200"`
	Retention       time.Duration `envconfig:"RETENTION" split_words:"true" default:"720h"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" split_words:"true" default:"10m"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" split_words:"true"`
	LockRedisURL    string        `envconfig:"LOCK_REDIS_URL" split_words:"true"`
	LockTTL         time.Duration `envconfig:"LOCK_TTL" split_words:"true" default:"10s"`
}

// Store is the three-tier per-identity memory. All writes for one identity go
// through the Locker, so turn order equals commit completion order and
// fact/preference merges never interleave.
type Store struct {
	backend  Backend
	locker   Locker
	maxTurns int
	maxAge   time.Duration
	now      func() time.Time
}

type StoreOption func(*Store)

func WithLocker(l Locker) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithSessionBounds(maxTurns int, maxAge time.Duration) StoreOption {
	return func(s *Store) {
		s.maxTurns = maxTurns
		s.maxAge = maxAge
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("memory backend is required")
	}

	s := &Store{
		backend:  backend,
		locker:   NewKeyedMutex(),
		maxTurns: 20,
		maxAge:   24 * time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.maxTurns <= 0 {
		return nil, errors.New("max turns must be > 0")
	}
	if s.maxAge < 0 {
		return nil, errors.New("max age must be >= 0")
	}
	return s, nil
}

/* --------------------------------- reads --------------------------------- */

// LoadSession returns the bounded session context, oldest turn first.
func (s *Store) LoadSession(ctx context.Context, identity string) ([]contractx.ConversationTurn, error) {
	identity, err := normalize(identity)
	if err != nil {
		return nil, err
	}

	turns, err := s.backend.LoadTurns(ctx, identity, s.maxTurns)
	if err != nil {
		return nil, unavailable("load session", err)
	}
	if s.maxAge == 0 {
		return turns, nil
	}

	cutoff := s.now().UTC().Add(-s.maxAge)
	out := turns[:0]
	for _, turn := range turns {
		if turn.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *Store) LoadFacts(ctx context.Context, identity string) (map[string]string, error) {
	return s.loadValues(ctx, identity, contractx.KindFact)
}

func (s *Store) LoadPreferences(ctx context.Context, identity string) (map[string]string, error) {
	return s.loadValues(ctx, identity, contractx.KindPreference)
}

func (s *Store) loadValues(ctx context.Context, identity string, kind contractx.MemoryKind) (map[string]string, error) {
	identity, err := normalize(identity)
	if err != nil {
		return nil, err
	}

	entries, err := s.backend.LoadEntries(ctx, identity, kind)
	if err != nil {
		return nil, unavailable("load "+string(kind), err)
	}
	out := make(map[string]string, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

func (s *Store) Export(ctx context.Context, identity string) (contractx.MemorySnapshot, error) {
	identity, err := normalize(identity)
	if err != nil {
		return contractx.MemorySnapshot{}, err
	}

	facts, err := s.backend.LoadEntries(ctx, identity, contractx.KindFact)
	if err != nil {
		return contractx.MemorySnapshot{}, unavailable("export facts", err)
	}
	prefs, err := s.backend.LoadEntries(ctx, identity, contractx.KindPreference)
	if err != nil {
		return contractx.MemorySnapshot{}, unavailable("export preferences", err)
	}
	count, err := s.backend.CountTurns(ctx, identity)
	if err != nil {
		return contractx.MemorySnapshot{}, unavailable("count turns", err)
	}

	return contractx.MemorySnapshot{
		Identity:    identity,
		Facts:       facts,
		Preferences: prefs,
		Turns:       count,
	}, nil
}

/* --------------------------------- writes -------------------------------- */

// AppendTurn records a turn once. Replaying the same turn id returns false.
func (s *Store) AppendTurn(ctx context.Context, identity string, turn contractx.ConversationTurn) (bool, error) {
	if strings.TrimSpace(turn.ID) == "" {
		return false, fmt.Errorf("%w: turn id is required", contractx.ErrValidation)
	}
	return s.Commit(ctx, identity, contractx.TurnCommit{Turn: turn})
}

func (s *Store) MergeFacts(ctx context.Context, identity string, updates map[string]contractx.MemoryEntry) error {
	_, err := s.Commit(ctx, identity, contractx.TurnCommit{Facts: updates})
	return err
}

func (s *Store) MergePreferences(ctx context.Context, identity string, updates map[string]contractx.MemoryEntry) error {
	_, err := s.Commit(ctx, identity, contractx.TurnCommit{Preferences: updates})
	return err
}

// Commit persists a turn together with its fact and preference updates, all
// or nothing. Entries merge per key by UpdatedAt; an equal timestamp lets the
// later arrival win. It reports false when the turn id was already recorded.
func (s *Store) Commit(ctx context.Context, identity string, commit contractx.TurnCommit) (bool, error) {
	identity, err := normalize(identity)
	if err != nil {
		return false, err
	}
	hasTurn := strings.TrimSpace(commit.Turn.ID) != ""
	if hasTurn {
		commit.Turn.Identity = identity
		if commit.Turn.Timestamp.IsZero() {
			commit.Turn.Timestamp = s.now().UTC()
		}
	}
	if !hasTurn && len(commit.Facts) == 0 && len(commit.Preferences) == 0 {
		return false, nil
	}

	unlock, err := s.locker.Lock(ctx, identity)
	if err != nil {
		return false, unavailable("acquire identity lock", err)
	}
	defer unlock()

	if hasTurn {
		seen, err := s.backend.HasTurn(ctx, identity, commit.Turn.ID)
		if err != nil {
			return false, unavailable("check turn", err)
		}
		if seen {
			return false, nil
		}
	}

	facts, err := s.resolve(ctx, identity, contractx.KindFact, commit.Facts)
	if err != nil {
		return false, err
	}
	prefs, err := s.resolve(ctx, identity, contractx.KindPreference, commit.Preferences)
	if err != nil {
		return false, err
	}
	commit.Facts = facts
	commit.Preferences = prefs

	if !hasTurn && len(facts) == 0 && len(prefs) == 0 {
		return false, nil
	}

	if err := s.backend.Apply(ctx, identity, commit); err != nil {
		if errors.Is(err, ErrDuplicateTurn) {
			return false, nil
		}
		return false, unavailable("apply commit", err)
	}
	return true, nil
}

func (s *Store) DeleteIdentity(ctx context.Context, identity string) error {
	identity, err := normalize(identity)
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, identity)
	if err != nil {
		return unavailable("acquire identity lock", err)
	}
	defer unlock()

	if err := s.backend.DeleteIdentity(ctx, identity); err != nil {
		return unavailable("delete identity", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// resolve drops updates that are older than what is already stored.
func (s *Store) resolve(
	ctx context.Context,
	identity string,
	kind contractx.MemoryKind,
	updates map[string]contractx.MemoryEntry,
) (map[string]contractx.MemoryEntry, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	current, err := s.backend.LoadEntries(ctx, identity, kind)
	if err != nil {
		return nil, unavailable("load "+string(kind), err)
	}

	out := make(map[string]contractx.MemoryEntry, len(updates))
	for key, update := range updates {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if update.UpdatedAt.IsZero() {
			update.UpdatedAt = s.now().UTC()
		}
		if existing, ok := current[key]; ok && update.UpdatedAt.Before(existing.UpdatedAt) {
			continue
		}
		out[key] = update
	}
	return out, nil
}

func normalize(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: %w", contractx.ErrValidation, ErrInvalidIdentity)
	}
	return identity, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", contractx.ErrStorageUnavailable, op, err)
}
