package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	nodex "github.com/tanpawarit/persona-router/agent/nodes/orchestrator"
)

var (
	ErrInvalidMessage  = nodex.ErrInvalidMessage
	ErrInvalidIdentity = nodex.ErrInvalidIdentity
)

type Config struct {
	ResolveTimeout    time.Duration `envconfig:"RESOLVE_TIMEOUT" split_words:"true" default:"2s"`
	MemoryTimeout     time.Duration `envconfig:"MEMORY_TIMEOUT" split_words:"true" default:"3s"`
	ClassifyTimeout   time.Duration `envconfig:"CLASSIFY_TIMEOUT" split_words:"true" default:"15s"`
	SpecialistTimeout time.Duration `envconfig:"SPECIALIST_TIMEOUT" split_words:"true" default:"45s"`
	PersistTimeout    time.Duration `envconfig:"PERSIST_TIMEOUT" split_words:"true" default:"5s"`
}

func (c Config) timeouts() nodex.Timeouts {
	return nodex.Timeouts{
		Resolve:    c.ResolveTimeout,
		Memory:     c.MemoryTimeout,
		Classify:   c.ClassifyTimeout,
		Specialist: c.SpecialistTimeout,
		Persist:    c.PersistTimeout,
	}
}

type Request struct {
	TurnID string
	Signal contractx.IdentitySignal
	Text   string
}

type Reply struct {
	TurnID      string                     `json:"turn_id"`
	Text        string                     `json:"reply"`
	Status      contractx.TurnStatus       `json:"status"`
	Persona     contractx.Persona          `json:"persona"`
	Fallback    bool                       `json:"fallback_persona,omitempty"`
	Specialists []contractx.SpecialistName `json:"specialists"`
	Notes       []string                   `json:"notes,omitempty"`
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithObserver(obs nodex.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type Orchestrator struct {
	resolver   contractx.PersonaResolver
	memory     contractx.MemoryStore
	classifier contractx.IntentClassifier
	registry   contractx.Registry

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	timeouts nodex.Timeouts
	observer nodex.Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func New(
	resolver contractx.PersonaResolver,
	memory contractx.MemoryStore,
	classifier contractx.IntentClassifier,
	registry contractx.Registry,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if resolver == nil {
		return nil, errors.New("persona resolver is required")
	}
	if classifier == nil {
		return nil, errors.New("intent classifier is required")
	}
	if registry == nil {
		return nil, errors.New("specialist registry is required")
	}
	if memory == nil {
		memory = noopMemoryStore{}
	}

	o := &Orchestrator{
		resolver:   resolver,
		memory:     memory,
		classifier: classifier,
		registry:   registry,
		timeouts:   cfg.timeouts(),
		observer:   nodex.NopObserver{},
		logger:     log.Logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleMessage runs one turn. Errors are returned only for invalid requests
// and cancelled turns; every other failure is reflected in Reply.Status.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		TurnID: req.TurnID,
		Signal: req.Signal,
		Text:   req.Text,
	})
	if err != nil {
		return Reply{}, err
	}

	o.logger.Info().
		Str("turn_id", out.TurnID).
		Str("persona", string(out.Persona)).
		Str("status", string(out.Status)).
		Interface("specialists", out.Specialists).
		Bool("persisted", out.Persisted).
		Msg("turn handled")
	o.observer.TurnFinished(out.Persona, out.Status, time.Since(start))

	return Reply{
		TurnID:      out.TurnID,
		Text:        out.Reply,
		Status:      out.Status,
		Persona:     out.Persona,
		Fallback:    out.Fallback,
		Specialists: out.Specialists,
		Notes:       out.Notes,
	}, nil
}

type noopMemoryStore struct{}

func (noopMemoryStore) LoadSession(context.Context, string) ([]contractx.ConversationTurn, error) {
	return nil, nil
}

func (noopMemoryStore) LoadFacts(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (noopMemoryStore) LoadPreferences(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (noopMemoryStore) Commit(context.Context, string, contractx.TurnCommit) (bool, error) {
	return false, nil
}
