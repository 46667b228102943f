package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

const (
	defaultUpstashKeyPrefix = "persona:mem:"
	defaultUpstashTTL       = 30 * 24 * time.Hour
	maxResponseSizeBytes    = 2 << 20
)

// UpstashOption customizes UpstashBackend.
type UpstashOption func(*UpstashBackend)

func WithKeyPrefix(prefix string) UpstashOption {
	return func(s *UpstashBackend) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithTTL sets the idle expiry of an identity's keys. Zero disables expiry.
func WithTTL(ttl time.Duration) UpstashOption {
	return func(s *UpstashBackend) {
		s.ttl = ttl
	}
}

func WithRetainTurns(n int) UpstashOption {
	return func(s *UpstashBackend) {
		s.retain = n
	}
}

func WithHTTPClient(client *http.Client) UpstashOption {
	return func(s *UpstashBackend) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashBackend stores memory partitions in Upstash Redis over REST:
//
//	<prefix><identity>:turns        LIST of JSON turns, oldest first
//	<prefix><identity>:facts        HASH key -> JSON entry
//	<prefix><identity>:preferences  HASH key -> JSON entry
//	<prefix><identity>:turn_ids     SET of recorded turn ids
type UpstashBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	retain     int
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func NewUpstashBackend(cfg UpstashRedisConfig, opts ...UpstashOption) (*UpstashBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backend := &UpstashBackend{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultUpstashKeyPrefix,
		ttl:       defaultUpstashTTL,
		retain:    200,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(backend)
		}
	}

	if backend.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return backend, nil
}

/* --------------------------------- reads --------------------------------- */

func (s *UpstashBackend) LoadTurns(ctx context.Context, identity string, limit int) ([]contractx.ConversationTurn, error) {
	start := 0
	if limit > 0 {
		start = -limit
	}

	resp, err := s.exec(ctx, []any{"LRANGE", s.key(identity, "turns"), start, -1})
	if err != nil {
		return nil, err
	}

	var raws []string
	if err := decodeResult(resp.Result, &raws); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}

	turns := make([]contractx.ConversationTurn, 0, len(raws))
	for _, raw := range raws {
		var turn contractx.ConversationTurn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *UpstashBackend) CountTurns(ctx context.Context, identity string) (int, error) {
	resp, err := s.exec(ctx, []any{"LLEN", s.key(identity, "turns")})
	if err != nil {
		return 0, err
	}
	var n int
	if err := decodeResult(resp.Result, &n); err != nil {
		return 0, fmt.Errorf("decode turn count: %w", err)
	}
	return n, nil
}

func (s *UpstashBackend) HasTurn(ctx context.Context, identity, turnID string) (bool, error) {
	resp, err := s.exec(ctx, []any{"SISMEMBER", s.key(identity, "turn_ids"), turnID})
	if err != nil {
		return false, err
	}
	var n int
	if err := decodeResult(resp.Result, &n); err != nil {
		return false, fmt.Errorf("decode turn id membership: %w", err)
	}
	return n > 0, nil
}

func (s *UpstashBackend) LoadEntries(ctx context.Context, identity string, kind contractx.MemoryKind) (map[string]contractx.MemoryEntry, error) {
	resp, err := s.exec(ctx, []any{"HGETALL", s.key(identity, string(kind))})
	if err != nil {
		return nil, err
	}

	var flat []string
	if err := decodeResult(resp.Result, &flat); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("decode %s: odd HGETALL reply length %d", kind, len(flat))
	}

	out := make(map[string]contractx.MemoryEntry, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		var entry contractx.MemoryEntry
		if err := json.Unmarshal([]byte(flat[i+1]), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal %s entry %q: %w", kind, flat[i], err)
		}
		out[flat[i]] = entry
	}
	return out, nil
}

/* --------------------------------- writes -------------------------------- */

// Apply runs every write of the commit in a single MULTI/EXEC transaction.
func (s *UpstashBackend) Apply(ctx context.Context, identity string, commit contractx.TurnCommit) error {
	var cmds [][]any

	touched := make([]string, 0, 4)
	if commit.Turn.ID != "" {
		payload, err := json.Marshal(commit.Turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		turnsKey := s.key(identity, "turns")
		idsKey := s.key(identity, "turn_ids")
		cmds = append(cmds,
			[]any{"SADD", idsKey, commit.Turn.ID},
			[]any{"RPUSH", turnsKey, string(payload)},
		)
		if s.retain > 0 {
			cmds = append(cmds, []any{"LTRIM", turnsKey, -s.retain, -1})
		}
		touched = append(touched, turnsKey, idsKey)
	}

	for kind, entries := range map[contractx.MemoryKind]map[string]contractx.MemoryEntry{
		contractx.KindFact:       commit.Facts,
		contractx.KindPreference: commit.Preferences,
	} {
		if len(entries) == 0 {
			continue
		}
		hashKey := s.key(identity, string(kind))
		cmd := []any{"HSET", hashKey}
		for field, entry := range entries {
			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal %s entry: %w", kind, err)
			}
			cmd = append(cmd, field, string(raw))
		}
		cmds = append(cmds, cmd)
		touched = append(touched, hashKey)
	}

	if s.ttl > 0 {
		for _, key := range touched {
			cmds = append(cmds, []any{"EXPIRE", key, ttlSeconds(s.ttl)})
		}
	}
	if len(cmds) == 0 {
		return nil
	}

	results, err := s.execTx(ctx, cmds)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			return errors.New(r.Error)
		}
	}
	return nil
}

func (s *UpstashBackend) DeleteIdentity(ctx context.Context, identity string) error {
	_, err := s.exec(ctx, []any{
		"DEL",
		s.key(identity, "turns"),
		s.key(identity, "turn_ids"),
		s.key(identity, string(contractx.KindFact)),
		s.key(identity, string(contractx.KindPreference)),
	})
	return err
}

func (s *UpstashBackend) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *UpstashBackend) key(identity, suffix string) string {
	return strings.TrimSpace(s.keyPrefix) + identity + ":" + suffix
}

/* -------------------------------- transport ------------------------------ */

func (s *UpstashBackend) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	var parsed redisRESTResponse
	if err := s.post(ctx, s.baseURL, command, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func (s *UpstashBackend) execTx(ctx context.Context, commands [][]any) ([]redisRESTResponse, error) {
	var raw json.RawMessage
	if err := s.post(ctx, s.baseURL+"/multi-exec", commands, &raw); err != nil {
		return nil, err
	}

	var results []redisRESTResponse
	if err := json.Unmarshal(raw, &results); err != nil {
		var single redisRESTResponse
		if jsonErr := json.Unmarshal(raw, &single); jsonErr == nil && single.Error != "" {
			return nil, errors.New(single.Error)
		}
		return nil, fmt.Errorf("decode transaction response: %w", err)
	}
	return results, nil
}

func (s *UpstashBackend) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode redis response: %w", err)
	}
	return nil
}

func decodeResult(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, out)
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
