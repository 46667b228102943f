package state

import (
	"errors"
	"fmt"
	"time"
)

// Phase is a step of the per-turn routing state machine.
type Phase string

const (
	PhaseReceived          Phase = "received"
	PhaseResolvingPersona  Phase = "resolving_persona"
	PhaseLoadingMemory     Phase = "loading_memory"
	PhaseClassifyingIntent Phase = "classifying_intent"
	PhaseDispatching       Phase = "dispatching"
	PhaseSynthesizing      Phase = "synthesizing"
	PhasePersistingMemory  Phase = "persisting_memory"
	PhaseDone              Phase = "done"
	PhaseErrored           Phase = "errored"
)

var ErrInvalidTransition = errors.New("invalid turn transition")

// forward lists the single legal successor of each non-terminal phase.
// PhaseErrored is reachable from every non-terminal phase.
var forward = map[Phase]Phase{
	PhaseReceived:          PhaseResolvingPersona,
	PhaseResolvingPersona:  PhaseLoadingMemory,
	PhaseLoadingMemory:     PhaseClassifyingIntent,
	PhaseClassifyingIntent: PhaseDispatching,
	PhaseDispatching:       PhaseSynthesizing,
	PhaseSynthesizing:      PhasePersistingMemory,
	PhasePersistingMemory:  PhaseDone,
}

type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// TurnState tracks where a single turn is in the routing pipeline and whether
// it has been degraded along the way. It is owned by one goroutine.
type TurnState struct {
	TurnID  string
	phase   Phase
	history []Transition
	notes   []string
	cause   error
	now     func() time.Time
}

func NewTurnState(turnID string, now func() time.Time) *TurnState {
	if now == nil {
		now = time.Now
	}
	return &TurnState{
		TurnID: turnID,
		phase:  PhaseReceived,
		now:    now,
	}
}

/* ------------------------------ transitions ------------------------------ */

func (t *TurnState) Advance(to Phase) error {
	if t.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.phase)
	}
	if to == PhaseErrored || forward[t.phase] != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.phase, to)
	}
	t.record(to)
	return nil
}

// Fail moves the turn to PhaseErrored. It is a no-op once terminal.
func (t *TurnState) Fail(cause error) {
	if t.Terminal() {
		return
	}
	t.cause = cause
	t.record(PhaseErrored)
}

func (t *TurnState) record(to Phase) {
	t.history = append(t.history, Transition{From: t.phase, To: to, At: t.now().UTC()})
	t.phase = to
}

/* -------------------------------- status -------------------------------- */

// Degrade marks the turn as served with reduced fidelity.
func (t *TurnState) Degrade(note string) {
	t.notes = append(t.notes, note)
}

func (t *TurnState) Degraded() bool {
	return len(t.notes) > 0
}

func (t *TurnState) Notes() []string {
	return append([]string(nil), t.notes...)
}

func (t *TurnState) Phase() Phase {
	return t.phase
}

func (t *TurnState) Terminal() bool {
	return t.phase == PhaseDone || t.phase == PhaseErrored
}

func (t *TurnState) Cause() error {
	return t.cause
}

func (t *TurnState) History() []Transition {
	return append([]Transition(nil), t.history...)
}
