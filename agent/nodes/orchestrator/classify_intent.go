package orchestratornode

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

// ClassifyIntent asks the classifier for specialists and gates the answer
// against the persona's capabilities. The turn always leaves this step with at
// least one selected specialist.
func ClassifyIntent(
	ctx context.Context,
	in *GraphState,
	classifier contractx.IntentClassifier,
	timeout time.Duration,
	observer Observer,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if err := in.Turn.Advance(statex.PhaseClassifyingIntent); err != nil {
		return nil, err
	}

	cctx, cancel := withTimeout(ctx, timeout)
	requested, err := classifier.Classify(cctx, in.Text, in.Profile.Capabilities)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			in.Turn.Fail(ctx.Err())
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("turn_id", in.TurnID).Msg("intent classification failed, routing to general inquiry")
		in.Turn.Degrade("intent classification unavailable")
		requested = nil
	}

	selected, forbidden := GateCapabilities(requested, in.Profile.Capabilities)
	for _, name := range forbidden {
		logger.Warn().
			Err(contractx.ErrForbidden).
			Str("turn_id", in.TurnID).
			Str("persona", string(in.Profile.Persona)).
			Str("specialist", string(name)).
			Msg("classifier requested a specialist outside persona capabilities")
		observer.ForbiddenRoute(in.Profile.Persona, name)
	}
	if len(selected) == 0 {
		selected = []contractx.SpecialistName{contractx.SpecialistGeneralInquiry}
	}

	in.Selected = selected
	in.Forbidden = forbidden
	in.Stages = BuildStages(selected)
	return in, nil
}

// GateCapabilities splits requested specialists into those the capability set
// allows and those it does not. Both lists are de-duplicated and ordered by
// pipeline rank.
func GateCapabilities(requested []contractx.SpecialistName, caps contractx.CapabilitySet) (selected, forbidden []contractx.SpecialistName) {
	for _, name := range requested {
		if slices.Contains(selected, name) || slices.Contains(forbidden, name) {
			continue
		}
		if caps.Allows(name) {
			selected = append(selected, name)
		} else {
			forbidden = append(forbidden, name)
		}
	}
	byRank := func(a, b contractx.SpecialistName) int { return a.PipelineRank() - b.PipelineRank() }
	slices.SortStableFunc(selected, byRank)
	slices.SortStableFunc(forbidden, byRank)
	return selected, forbidden
}

// BuildStages groups an ordered selection into sequential stages. Specialists
// that build on earlier output get a stage of their own; adjacent independent
// specialists share one and run concurrently.
func BuildStages(selected []contractx.SpecialistName) [][]contractx.SpecialistName {
	var stages [][]contractx.SpecialistName
	for _, name := range selected {
		if name.ConsumesUpstream() || len(stages) == 0 || stages[len(stages)-1][0].ConsumesUpstream() {
			stages = append(stages, []contractx.SpecialistName{name})
			continue
		}
		stages[len(stages)-1] = append(stages[len(stages)-1], name)
	}
	return stages
}
