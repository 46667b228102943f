package knowledge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openai/openai-go"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(client *openai.Client, model string) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("embedding model is required")
	}
	return &OpenAIEmbedder{client: client, model: strings.TrimSpace(model)}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// VectorRetriever searches an externally populated pgvector table with
// columns (content TEXT, source TEXT, embedding VECTOR).
type VectorRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	table    string
	minScore float64
}

func NewVectorRetriever(pool *pgxpool.Pool, embedder Embedder, table string, minScore float64) (*VectorRetriever, error) {
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	table = strings.TrimSpace(table)
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid knowledge table name %q", table)
	}
	return &VectorRetriever{pool: pool, embedder: embedder, table: table, minScore: minScore}, nil
}

func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]contractx.Passage, error) {
	if err := validateQuery(query, topK); err != nil {
		return nil, err
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(
		`SELECT content, source, 1 - (embedding <=> $1::vector) AS score
		 FROM %s
		 WHERE 1 - (embedding <=> $1::vector) >= $2
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		r.table,
	)
	rows, err := r.pool.Query(ctx, sql, vectorLiteral(vec), r.minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("query knowledge table: %w", err)
	}
	defer rows.Close()

	var out []contractx.Passage
	for rows.Next() {
		var p contractx.Passage
		if err := rows.Scan(&p.Content, &p.Source, &p.Score); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}

	sortPassages(out)
	return out, nil
}

func vectorLiteral(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
