package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

func FinalizeReply(_ context.Context, in *GraphState) (GraphOutput, error) {
	if in == nil || in.Turn == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	status := contractx.TurnOK
	switch {
	case in.Failed:
		status = contractx.TurnFailed
	case in.Turn.Degraded():
		status = contractx.TurnDegraded
	}

	if !in.Turn.Terminal() {
		if err := in.Turn.Advance(statex.PhaseDone); err != nil {
			return GraphOutput{}, err
		}
	}

	invoked := make([]contractx.SpecialistName, 0, len(in.Results))
	for _, res := range in.Results {
		invoked = append(invoked, res.Specialist)
	}

	return GraphOutput{
		TurnID:      in.TurnID,
		Reply:       in.Reply,
		Status:      status,
		Persona:     in.Profile.Persona,
		Fallback:    in.Profile.Fallback,
		Specialists: invoked,
		Notes:       in.Turn.Notes(),
		Persisted:   in.Persisted,
	}, nil
}
