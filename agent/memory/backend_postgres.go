package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// PostgresBackend persists memory partitions in PostgreSQL.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	retain int
}

func NewPostgresBackend(ctx context.Context, databaseURL string, retain int) (*PostgresBackend, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("memory database url is required")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool, retain: retain}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_turns (
			seq BIGSERIAL PRIMARY KEY,
			identity TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			UNIQUE (identity, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_turns_identity_seq ON memory_turns (identity, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_turns_created ON memory_turns (created_at);`,
		// ids outlive their turn rows so trimmed or purged turns stay idempotent
		`CREATE TABLE IF NOT EXISTS memory_turn_ids (
			identity TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identity, turn_id)
		);`,
		`INSERT INTO memory_turn_ids (identity, turn_id, seen_at)
		 SELECT identity, turn_id, created_at FROM memory_turns
		 ON CONFLICT (identity, turn_id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			identity TEXT NOT NULL,
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identity, kind, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresBackend) LoadTurns(ctx context.Context, identity string, limit int) ([]contractx.ConversationTurn, error) {
	if limit <= 0 {
		limit = s.retain
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM memory_turns
		 WHERE identity = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		identity,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []contractx.ConversationTurn
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var turn contractx.ConversationTurn
		if err := json.Unmarshal(raw, &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	slices.Reverse(turns)
	return turns, nil
}

func (s *PostgresBackend) CountTurns(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM memory_turns WHERE identity = $1`, identity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *PostgresBackend) HasTurn(ctx context.Context, identity, turnID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_turn_ids WHERE identity = $1 AND turn_id = $2)`,
		identity,
		turnID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check turn: %w", err)
	}
	return exists, nil
}

func (s *PostgresBackend) LoadEntries(ctx context.Context, identity string, kind contractx.MemoryKind) (map[string]contractx.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value, updated_at FROM memory_entries WHERE identity = $1 AND kind = $2`,
		identity,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	out := map[string]contractx.MemoryEntry{}
	for rows.Next() {
		var (
			key   string
			entry contractx.MemoryEntry
		)
		if err := rows.Scan(&key, &entry.Value, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		out[key] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

// Apply writes the commit in one transaction. The entry upsert keeps the
// newer value even if two writers race past the identity lock.
func (s *PostgresBackend) Apply(ctx context.Context, identity string, commit contractx.TurnCommit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if commit.Turn.ID != "" {
			payload, err := json.Marshal(commit.Turn)
			if err != nil {
				return fmt.Errorf("marshal turn: %w", err)
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO memory_turn_ids (identity, turn_id, seen_at)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (identity, turn_id) DO NOTHING`,
				identity,
				commit.Turn.ID,
				commit.Turn.Timestamp.UTC(),
			)
			if err != nil {
				return fmt.Errorf("record turn id: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDuplicateTurn
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO memory_turns (identity, turn_id, created_at, payload)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (identity, turn_id) DO NOTHING`,
				identity,
				commit.Turn.ID,
				commit.Turn.Timestamp.UTC(),
				payload,
			)
			if err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}

			if s.retain > 0 {
				_, err = tx.Exec(ctx,
					`DELETE FROM memory_turns
					 WHERE identity = $1 AND seq NOT IN (
						SELECT seq FROM memory_turns WHERE identity = $1 ORDER BY seq DESC LIMIT $2
					 )`,
					identity,
					s.retain,
				)
				if err != nil {
					return fmt.Errorf("trim turns: %w", err)
				}
			}
		}

		if err := upsertEntries(ctx, tx, identity, contractx.KindFact, commit.Facts); err != nil {
			return err
		}
		return upsertEntries(ctx, tx, identity, contractx.KindPreference, commit.Preferences)
	})
}

func upsertEntries(ctx context.Context, tx pgx.Tx, identity string, kind contractx.MemoryKind, entries map[string]contractx.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for key, entry := range entries {
		batch.Queue(
			`INSERT INTO memory_entries (identity, kind, key, value, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (identity, kind, key) DO UPDATE
			 SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
			 WHERE memory_entries.updated_at <= EXCLUDED.updated_at`,
			identity,
			string(kind),
			key,
			entry.Value,
			entry.UpdatedAt.UTC(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresBackend) DeleteIdentity(ctx context.Context, identity string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM memory_turns WHERE identity = $1`, identity); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM memory_turn_ids WHERE identity = $1`, identity); err != nil {
			return fmt.Errorf("delete turn ids: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM memory_entries WHERE identity = $1`, identity); err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
		return nil
	})
}

// PurgeBefore drops turn rows only; their ids keep guarding against replays.
func (s *PostgresBackend) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_turns WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresBackend) Close() error {
	s.pool.Close()
	return nil
}
