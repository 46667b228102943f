package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

const (
	BackendIndex    = "index"
	BackendPGVector = "pgvector"
)

// Open builds the configured retriever, wrapped with the result cache and the
// per-call timeout. The returned func releases backend resources.
func Open(ctx context.Context, cfg Config, embedder Embedder) (contractx.Retriever, func(), error) {
	var (
		base    contractx.Retriever
		closeFn = func() {}
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendIndex:
		idx, err := LoadCorpus(cfg.CorpusDir, cfg.MinScore)
		switch {
		case errors.Is(err, os.ErrNotExist):
			idx = NewIndex(cfg.MinScore)
		case err != nil:
			return nil, nil, err
		}
		base = idx
	case BackendPGVector:
		if embedder == nil {
			return nil, nil, errors.New("pgvector retrieval needs an embedder")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect knowledge database: %w", err)
		}
		vr, err := NewVectorRetriever(pool, embedder, cfg.Table, cfg.MinScore)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		base, closeFn = vr, pool.Close
	default:
		return nil, nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
	}

	var r contractx.Retriever = base
	if cfg.CacheTTL > 0 {
		r = NewCached(r, cfg.CacheTTL)
	}
	return WithTimeout(r, cfg.Timeout), closeFn, nil
}

type timeoutRetriever struct {
	next    contractx.Retriever
	timeout time.Duration
}

// WithTimeout bounds every Retrieve call. A non-positive timeout returns next.
func WithTimeout(next contractx.Retriever, timeout time.Duration) contractx.Retriever {
	if timeout <= 0 {
		return next
	}
	return &timeoutRetriever{next: next, timeout: timeout}
}

func (r *timeoutRetriever) Retrieve(ctx context.Context, query string, topK int) ([]contractx.Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Retrieve(ctx, query, topK)
}
