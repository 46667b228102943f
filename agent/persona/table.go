package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrNotProvisioned = errors.New("identity not provisioned")

// Entry is one row of the provisioning table.
type Entry struct {
	Identity     string   `yaml:"identity"`
	Persona      string   `yaml:"persona"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Table is the read-only provisioning source.
type Table interface {
	Lookup(ctx context.Context, key string) (Entry, error)
}

// StaticTable is an in-memory provisioning table, usually loaded from YAML.
type StaticTable struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

type staticFile struct {
	Identities []Entry `yaml:"identities"`
}

func NewStaticTable(entries ...Entry) *StaticTable {
	t := &StaticTable{entries: make(map[string]Entry, len(entries))}
	t.Replace(entries)
	return t
}

func LoadStaticTable(path string) (*StaticTable, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read provisioning file: %w", err)
	}

	var file staticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode provisioning file: %w", err)
	}
	return NewStaticTable(file.Identities...), nil
}

// Replace swaps the whole table, starting a new provisioning epoch.
func (t *StaticTable) Replace(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		key := NormalizeIdentity(e.Identity)
		if key == "" {
			continue
		}
		e.Identity = key
		next[key] = e
	}

	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
}

func (t *StaticTable) Lookup(_ context.Context, key string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[NormalizeIdentity(key)]
	if !ok {
		return Entry{}, ErrNotProvisioned
	}
	return e, nil
}

// NormalizeIdentity strips phone formatting so "+1 (555) 010-2000" and
// "+15550102000" resolve to the same row. Other identities are only trimmed.
func NormalizeIdentity(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !looksLikePhone(trimmed) {
		return trimmed
	}

	var b strings.Builder
	for i, r := range trimmed {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}
