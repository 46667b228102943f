package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

// PersistMemory commits the turn record and the facts and preferences of
// successful specialists in one write. A write failure degrades the turn but
// never changes the reply.
func PersistMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryStore,
	timeout time.Duration,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Failed {
		return in, nil
	}
	if err := in.Turn.Advance(statex.PhasePersistingMemory); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		in.Turn.Fail(err)
		return nil, err
	}

	commit := BuildCommit(in)
	pctx, cancel := withTimeout(ctx, timeout)
	applied, err := memory.Commit(pctx, in.Profile.Identity, commit)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			in.Turn.Fail(ctx.Err())
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("turn_id", in.TurnID).Msg("memory write failed, reply is still delivered")
		in.Turn.Degrade("memory not persisted")
		return in, nil
	}
	if !applied {
		logger.Debug().Str("turn_id", in.TurnID).Msg("turn already committed")
	}
	in.Persisted = true
	return in, nil
}

// BuildCommit assembles the memory write for a turn. Failed specialists add
// nothing; later specialists win on key collisions.
func BuildCommit(in *GraphState) contractx.TurnCommit {
	invoked := make([]contractx.SpecialistName, 0, len(in.Results))
	facts := map[string]contractx.MemoryEntry{}
	prefs := map[string]contractx.MemoryEntry{}
	for _, res := range in.Results {
		invoked = append(invoked, res.Specialist)
		if !res.Succeeded() {
			continue
		}
		for k, v := range res.Facts {
			facts[k] = contractx.MemoryEntry{Value: v, UpdatedAt: in.Now}
		}
		for k, v := range res.Preferences {
			prefs[k] = contractx.MemoryEntry{Value: v, UpdatedAt: in.Now}
		}
	}

	status := contractx.TurnOK
	if in.Turn.Degraded() {
		status = contractx.TurnDegraded
	}

	return contractx.TurnCommit{
		Turn: contractx.ConversationTurn{
			ID:                 in.TurnID,
			Identity:           in.Profile.Identity,
			Timestamp:          in.Now,
			InputText:          in.Text,
			Persona:            in.Profile.Persona,
			InvokedSpecialists: invoked,
			OutputText:         in.Reply,
			Status:             status,
		},
		Facts:       facts,
		Preferences: prefs,
	}
}
