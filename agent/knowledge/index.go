package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "the": {}, "this": {}, "to": {}, "what": {},
	"which": {}, "with": {}, "you": {}, "your": {}, "do": {}, "can": {}, "should": {},
}

type Document struct {
	Source  string
	Content string
}

type indexedDoc struct {
	Document
	tf map[string]int
}

// Index is an in-memory term index used when no vector store is configured.
type Index struct {
	mu       sync.RWMutex
	docs     []indexedDoc
	df       map[string]int
	minScore float64
}

func NewIndex(minScore float64, docs ...Document) *Index {
	idx := &Index{minScore: minScore}
	idx.Replace(docs)
	return idx
}

// LoadCorpus indexes every .md and .txt file under dir, one passage per
// blank-line separated paragraph.
func LoadCorpus(dir string, minScore float64) (*Index, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		for i, para := range splitParagraphs(string(raw)) {
			docs = append(docs, Document{
				Source:  fmt.Sprintf("%s#%d", filepath.ToSlash(rel), i+1),
				Content: para,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load corpus %s: %w", dir, err)
	}
	return NewIndex(minScore, docs...), nil
}

func (idx *Index) Replace(docs []Document) {
	indexed := make([]indexedDoc, 0, len(docs))
	df := map[string]int{}
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		tf := map[string]int{}
		for _, term := range tokenize(d.Content) {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		indexed = append(indexed, indexedDoc{Document: d, tf: tf})
	}

	idx.mu.Lock()
	idx.docs = indexed
	idx.df = df
	idx.mu.Unlock()
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

func (idx *Index) Retrieve(ctx context.Context, query string, topK int) ([]contractx.Passage, error) {
	if err := validateQuery(query, topK); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := uniqueTerms(tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := float64(len(idx.docs))
	weights := make(map[string]float64, len(terms))
	var total float64
	for _, term := range terms {
		df := idx.df[term]
		if df == 0 {
			df = 1
		}
		w := math.Log(1 + n/float64(df))
		weights[term] = w
		total += w
	}
	if total == 0 {
		return nil, nil
	}

	var out []contractx.Passage
	for _, d := range idx.docs {
		var score float64
		for _, term := range terms {
			tf := float64(d.tf[term])
			if tf == 0 {
				continue
			}
			score += weights[term] * tf / (tf + 1.2)
		}
		score /= total
		if score <= 0 || score < idx.minScore {
			continue
		}
		out = append(out, contractx.Passage{Content: d.Content, Source: d.Source, Score: score})
	}

	sortPassages(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func sortPassages(ps []contractx.Passage) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		return ps[i].Source < ps[j].Source
	})
}

func validateQuery(query string, topK int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be > 0", contractx.ErrValidation)
	}
	return nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop || len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p := strings.TrimSpace(block); p != "" {
			out = append(out, p)
		}
	}
	return out
}
