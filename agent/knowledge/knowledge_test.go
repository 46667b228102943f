package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

func testCorpus() []Document {
	return []Document{
		{Source: "uld#1", Content: "The AKE container (LD3) has a maximum gross weight of 1588 kg and a volume of 3.5 cubic meters."},
		{Source: "uld#2", Content: "The AMA container (LD9) is used on main deck positions and holds 11.6 cubic meters."},
		{Source: "policy#1", Content: "Dangerous goods must be segregated according to the loading manual."},
		{Source: "history#1", Content: "Weekly cargo volume to Frankfurt peaked in March with heavy machinery shipments."},
	}
}

func TestIndexRetrieveOrdersByScore(t *testing.T) {
	t.Parallel()

	idx := NewIndex(0, testCorpus()...)
	got, err := idx.Retrieve(context.Background(), "AKE container gross weight", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, "uld#1", got[0].Source)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestIndexRetrieveRespectsTopK(t *testing.T) {
	t.Parallel()

	idx := NewIndex(0, testCorpus()...)
	got, err := idx.Retrieve(context.Background(), "container cubic meters", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIndexRetrieveNoMatchIsEmptyNotError(t *testing.T) {
	t.Parallel()

	idx := NewIndex(0.1, testCorpus()...)
	got, err := idx.Retrieve(context.Background(), "penguin migration", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexRetrieveMinScoreFilters(t *testing.T) {
	t.Parallel()

	idx := NewIndex(0.99, testCorpus()...)
	got, err := idx.Retrieve(context.Background(), "container", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexRetrieveValidation(t *testing.T) {
	t.Parallel()

	idx := NewIndex(0, testCorpus()...)
	_, err := idx.Retrieve(context.Background(), "  ", 3)
	require.ErrorIs(t, err, contractx.ErrValidation)

	_, err = idx.Retrieve(context.Background(), "container", 0)
	require.ErrorIs(t, err, contractx.ErrValidation)
}

func TestLoadCorpus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ulds.md"), []byte("AKE holds 3.5 m3.\n\nAAA holds 7.2 m3."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.json"), []byte(`{"AKE":1}`), 0o600))

	idx, err := LoadCorpus(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	got, err := idx.Retrieve(context.Background(), "AAA", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ulds.md#2", got[0].Source)
}

type countingRetriever struct {
	calls atomic.Int32
	out   []contractx.Passage
	err   error
}

func (c *countingRetriever) Retrieve(context.Context, string, int) ([]contractx.Passage, error) {
	c.calls.Add(1)
	return c.out, c.err
}

func TestCachedServesRepeatQueries(t *testing.T) {
	t.Parallel()

	next := &countingRetriever{out: []contractx.Passage{{Content: "x", Score: 0.9}}}
	c := NewCached(next, time.Minute)

	for range 3 {
		got, err := c.Retrieve(context.Background(), "AKE  Weight", 2)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	_, err := c.Retrieve(context.Background(), "ake weight", 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = c.Retrieve(context.Background(), "ake weight", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	next := &countingRetriever{err: errors.New("index offline")}
	c := NewCached(next, time.Minute)

	_, err := c.Retrieve(context.Background(), "q", 1)
	require.Error(t, err)
	_, err = c.Retrieve(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestVectorLiteral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[0.5,-1,0.25]", vectorLiteral([]float64{0.5, -1, 0.25}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}

func TestNewVectorRetrieverRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := NewVectorRetriever(nil, nil, "kb", 0)
	require.Error(t, err)

	assert.True(t, tableNamePattern.MatchString("public.kb_passages"))
	assert.False(t, tableNamePattern.MatchString("kb; DROP TABLE x"))
}

type blockingRetriever struct{}

func (blockingRetriever) Retrieve(ctx context.Context, _ string, _ int) ([]contractx.Passage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeoutBoundsRetrieval(t *testing.T) {
	t.Parallel()

	r := WithTimeout(blockingRetriever{}, 20*time.Millisecond)
	_, err := r.Retrieve(context.Background(), "q", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	next := &countingRetriever{}
	assert.Same(t, next, WithTimeout(next, 0))
}

func TestOpenIndexBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uld.md"), []byte("The AKE container is also called LD3."), 0o600))

	r, closeFn, err := Open(context.Background(), Config{Backend: "index", CorpusDir: dir, CacheTTL: time.Minute, Timeout: time.Second}, nil)
	require.NoError(t, err)
	defer closeFn()

	got, err := r.Retrieve(context.Background(), "AKE container", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "uld.md#1", got[0].Source)
}

func TestOpenMissingCorpusIsEmpty(t *testing.T) {
	t.Parallel()

	r, closeFn, err := Open(context.Background(), Config{CorpusDir: filepath.Join(t.TempDir(), "absent")}, nil)
	require.NoError(t, err)
	defer closeFn()

	got, err := r.Retrieve(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, _, err := Open(context.Background(), Config{Backend: "elastic"}, nil)
	require.Error(t, err)

	_, _, err = Open(context.Background(), Config{Backend: "pgvector"}, nil)
	require.Error(t, err)
}
