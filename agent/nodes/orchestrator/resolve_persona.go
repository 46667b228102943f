package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"github.com/tanpawarit/persona-router/agent/persona"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

// ResolvePersona never fails the turn on resolution errors: unknown
// identities get the fallback profile, other failures get it too and degrade.
func ResolvePersona(
	ctx context.Context,
	in *GraphState,
	resolver contractx.PersonaResolver,
	timeout time.Duration,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if err := in.Turn.Advance(statex.PhaseResolvingPersona); err != nil {
		return nil, err
	}

	rctx, cancel := withTimeout(ctx, timeout)
	profile, err := resolver.Resolve(rctx, in.Signal)
	cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		in.Turn.Fail(ctx.Err())
		return nil, ctx.Err()
	case errors.Is(err, contractx.ErrUnknownIdentity):
		logger.Info().Str("turn_id", in.TurnID).Msg("identity not provisioned, using fallback persona")
		profile = persona.Fallback(persona.IdentityKey(in.Signal))
	default:
		logger.Warn().Err(err).Str("turn_id", in.TurnID).Msg("persona resolution failed, using fallback persona")
		profile = persona.Fallback(persona.IdentityKey(in.Signal))
		in.Turn.Degrade("persona could not be resolved")
	}

	if profile.Identity == "" {
		profile.Identity = persona.IdentityKey(in.Signal)
	}
	in.Profile = profile
	return in, nil
}
