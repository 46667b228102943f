package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	statex "github.com/tanpawarit/persona-router/agent/state"
	"golang.org/x/sync/errgroup"
)

// DispatchSpecialists runs the stages in order. Specialists inside a stage run
// concurrently and see only the successful results of earlier stages. When a
// stage has a failure the remaining stages are skipped.
func DispatchSpecialists(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	timeout time.Duration,
	observer Observer,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if err := in.Turn.Advance(statex.PhaseDispatching); err != nil {
		return nil, err
	}

	var upstream []contractx.SpecialistResult
	for i, stage := range in.Stages {
		if err := ctx.Err(); err != nil {
			in.Turn.Fail(err)
			return nil, err
		}

		bundle := contractx.ContextBundle{
			TurnID:      in.TurnID,
			InputText:   in.Text,
			Persona:     in.Profile.Persona,
			RecentTurns: in.RecentTurns,
			Facts:       in.Facts,
			Preferences: in.Preferences,
			Upstream:    append([]contractx.SpecialistResult(nil), upstream...),
		}

		results := make([]contractx.SpecialistResult, len(stage))
		var g errgroup.Group
		for j, name := range stage {
			g.Go(func() error {
				results[j] = invokeOne(ctx, registry, name, bundle, timeout, observer, logger)
				return nil
			})
		}
		_ = g.Wait()

		stageFailed := false
		for _, res := range results {
			in.Results = append(in.Results, res)
			switch {
			case res.Status == contractx.ResultFailed:
				stageFailed = true
				in.Turn.Degrade(fmt.Sprintf("%s unavailable", res.Specialist))
			case res.Status == contractx.ResultDegraded:
				in.Turn.Degrade(fmt.Sprintf("%s answered with reduced information", res.Specialist))
			}
			if res.Succeeded() {
				upstream = append(upstream, res)
			}
		}

		if stageFailed {
			for _, rest := range in.Stages[i+1:] {
				in.Skipped = append(in.Skipped, rest...)
			}
			if len(in.Skipped) > 0 {
				logger.Warn().
					Str("turn_id", in.TurnID).
					Interface("skipped", in.Skipped).
					Msg("stage failed, skipping dependent specialists")
			}
			break
		}
	}

	if err := ctx.Err(); err != nil {
		in.Turn.Fail(err)
		return nil, err
	}
	return in, nil
}

func invokeOne(
	ctx context.Context,
	registry contractx.Registry,
	name contractx.SpecialistName,
	bundle contractx.ContextBundle,
	timeout time.Duration,
	observer Observer,
	logger zerolog.Logger,
) (res contractx.SpecialistResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(name, fmt.Errorf("%w: panic: %v", contractx.ErrSpecialistFailed, r))
		}
		if res.Status == contractx.ResultFailed {
			logger.Warn().Err(res.Err).Str("turn_id", bundle.TurnID).Str("specialist", string(name)).Msg("specialist failed")
		}
		observer.SpecialistFinished(name, res.Status, time.Since(start))
	}()

	spec, ok := registry.Lookup(name)
	if !ok {
		return failedResult(name, fmt.Errorf("%w: %s is not registered", contractx.ErrSpecialistFailed, name))
	}

	sctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	out, err := spec.Invoke(sctx, bundle)
	switch {
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return failedResult(name, fmt.Errorf("%w: %s after %s", contractx.ErrSpecialistTimeout, name, timeout))
	case err != nil:
		return failedResult(name, fmt.Errorf("%w: %s: %w", contractx.ErrSpecialistFailed, name, err))
	}

	out.Specialist = name
	if out.Status == "" {
		out.Status = contractx.ResultOK
	}
	if out.Status == contractx.ResultFailed {
		cause := out.Err
		if cause == nil {
			cause = errors.New("reported failure")
		}
		return failedResult(name, fmt.Errorf("%w: %s: %w", contractx.ErrSpecialistFailed, name, cause))
	}
	if !out.Succeeded() {
		return failedResult(name, fmt.Errorf("%w: %s returned no content", contractx.ErrSpecialistFailed, name))
	}
	return out
}

// failedResult carries no content and no memory updates.
func failedResult(name contractx.SpecialistName, err error) contractx.SpecialistResult {
	return contractx.SpecialistResult{
		Specialist: name,
		Status:     contractx.ResultFailed,
		Err:        err,
	}
}
