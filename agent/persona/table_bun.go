package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type provisioningRow struct {
	bun.BaseModel `bun:"table:persona_provisioning,alias:pp"`

	Identity     string    `bun:"identity,pk"`
	Persona      string    `bun:"persona,notnull"`
	Capabilities []string  `bun:"capabilities,array"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// BunTable reads the provisioning table from Postgres.
type BunTable struct {
	db *bun.DB
}

func NewBunTable(dsn string) (*BunTable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("provisioning database url is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &BunTable{db: bun.NewDB(sqldb, pgdialect.New())}, nil
}

func NewBunTableFromDB(db *bun.DB) *BunTable {
	return &BunTable{db: db}
}

// EnsureSchema creates the provisioning table when it does not exist.
func (t *BunTable) EnsureSchema(ctx context.Context) error {
	_, err := t.db.NewCreateTable().
		Model((*provisioningRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create provisioning table: %w", err)
	}
	return nil
}

func (t *BunTable) Upsert(ctx context.Context, e Entry) error {
	row := provisioningRow{
		Identity:     NormalizeIdentity(e.Identity),
		Persona:      strings.TrimSpace(e.Persona),
		Capabilities: e.Capabilities,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := t.db.NewInsert().
		Model(&row).
		On("CONFLICT (identity) DO UPDATE").
		Set("persona = EXCLUDED.persona").
		Set("capabilities = EXCLUDED.capabilities").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert provisioning row: %w", err)
	}
	return nil
}

func (t *BunTable) Lookup(ctx context.Context, key string) (Entry, error) {
	var row provisioningRow
	err := t.db.NewSelect().
		Model(&row).
		Where("identity = ?", NormalizeIdentity(key)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotProvisioned
		}
		return Entry{}, fmt.Errorf("select provisioning row: %w", err)
	}

	return Entry{
		Identity:     row.Identity,
		Persona:      row.Persona,
		Capabilities: row.Capabilities,
	}, nil
}

func (t *BunTable) Close() error {
	return t.db.Close()
}
