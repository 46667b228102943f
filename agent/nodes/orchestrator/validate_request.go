package orchestratornode

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

var (
	ErrInvalidMessage  = errors.New("message is empty")
	ErrInvalidIdentity = errors.New("identity is empty")
)

// GenericFailureReply is returned when no specialist produced usable content.
const GenericFailureReply = "Sorry, I could not produce an answer to that right now. Please try again in a moment."

type GraphInput struct {
	TurnID string
	Signal contractx.IdentitySignal
	Text   string
}

type GraphOutput struct {
	TurnID      string
	Reply       string
	Status      contractx.TurnStatus
	Persona     contractx.Persona
	Fallback    bool
	Specialists []contractx.SpecialistName
	Notes       []string
	Persisted   bool
}

type GraphState struct {
	TurnID string
	Text   string
	Signal contractx.IdentitySignal
	Now    time.Time
	Turn   *statex.TurnState

	Profile     contractx.PersonaProfile
	RecentTurns []contractx.ConversationTurn
	Facts       map[string]string
	Preferences map[string]string

	Selected  []contractx.SpecialistName
	Forbidden []contractx.SpecialistName
	Stages    [][]contractx.SpecialistName
	Results   []contractx.SpecialistResult
	Skipped   []contractx.SpecialistName

	Reply     string
	Redacted  bool
	Failed    bool
	Persisted bool
}

// Timeouts bound each blocking step. Zero means no step deadline.
type Timeouts struct {
	Resolve    time.Duration
	Memory     time.Duration
	Classify   time.Duration
	Specialist time.Duration
	Persist    time.Duration
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	identity := strings.TrimSpace(in.Signal.Identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	turnID := strings.TrimSpace(in.TurnID)
	if turnID == "" {
		turnID = uuid.NewString()
	}

	signal := in.Signal
	signal.Identity = identity

	return &GraphState{
		TurnID: turnID,
		Text:   text,
		Signal: signal,
		Now:    nowFn().UTC(),
		Turn:   statex.NewTurnState(turnID, nowFn),
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
