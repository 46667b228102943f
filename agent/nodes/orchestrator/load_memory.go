package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
	"golang.org/x/sync/errgroup"
)

// LoadMemory reads the three memory tiers in parallel. Any failure leaves the
// turn with empty memory and marks it degraded.
func LoadMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryStore,
	timeout time.Duration,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if err := in.Turn.Advance(statex.PhaseLoadingMemory); err != nil {
		return nil, err
	}

	identity := in.Profile.Identity
	mctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var (
		turns []contractx.ConversationTurn
		facts map[string]string
		prefs map[string]string
	)
	g, gctx := errgroup.WithContext(mctx)
	g.Go(func() (err error) {
		turns, err = memory.LoadSession(gctx, identity)
		return err
	})
	g.Go(func() (err error) {
		facts, err = memory.LoadFacts(gctx, identity)
		return err
	})
	g.Go(func() (err error) {
		prefs, err = memory.LoadPreferences(gctx, identity)
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			in.Turn.Fail(ctx.Err())
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("turn_id", in.TurnID).Msg("memory unavailable, continuing without it")
		in.Turn.Degrade("memory unavailable")
		in.RecentTurns, in.Facts, in.Preferences = nil, map[string]string{}, map[string]string{}
		return in, nil
	}

	in.RecentTurns = turns
	in.Facts = orEmpty(facts)
	in.Preferences = orEmpty(prefs)
	return in, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
