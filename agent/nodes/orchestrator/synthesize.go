package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"github.com/tanpawarit/persona-router/agent/persona"
	statex "github.com/tanpawarit/persona-router/agent/state"
)

const partialNote = "Note: part of this request could not be completed, so this answer may be incomplete."

var sectionTitles = map[contractx.SpecialistName]string{
	contractx.SpecialistGeneralInquiry:  "Overview",
	contractx.SpecialistPatternAnalysis: "Pattern analysis",
	contractx.SpecialistAllocation:      "Allocation recommendation",
	contractx.SpecialistAdminReport:     "Administrative report",
}

// Synthesize merges successful specialist output into one reply and applies
// the persona's display scope. With nothing to merge the turn is marked
// failed and the generic failure reply is used.
func Synthesize(_ context.Context, in *GraphState, logger zerolog.Logger) (*GraphState, error) {
	if in == nil || in.Turn == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if err := in.Turn.Advance(statex.PhaseSynthesizing); err != nil {
		return nil, err
	}

	var contributed []contractx.SpecialistResult
	for _, res := range in.Results {
		if res.Succeeded() {
			contributed = append(contributed, res)
		}
	}

	if len(contributed) == 0 {
		logger.Error().Str("turn_id", in.TurnID).Int("results", len(in.Results)).Msg("no specialist produced content")
		in.Reply = GenericFailureReply
		in.Failed = true
		in.Turn.Fail(fmt.Errorf("%w: no specialist produced content", contractx.ErrSynthesisFailed))
		return in, nil
	}

	reply := MergeResults(contributed)
	if len(contributed) < len(in.Results) || len(in.Skipped) > 0 {
		reply += "\n\n" + partialNote
	}

	filtered, redacted := persona.ApplyScope(in.Profile.DisplayScope, reply)
	if redacted {
		logger.Info().Str("turn_id", in.TurnID).Str("scope", string(in.Profile.DisplayScope)).Msg("reply redacted for display scope")
	}
	in.Reply = filtered
	in.Redacted = redacted
	return in, nil
}

// MergeResults joins specialist content in order, dropping paragraphs that
// were already emitted. Section headings are only added when more than one
// specialist contributed.
func MergeResults(results []contractx.SpecialistResult) string {
	seen := map[string]bool{}
	sections := make([]string, 0, len(results))
	for _, res := range results {
		var paras []string
		for _, p := range strings.Split(strings.TrimSpace(res.Content), "\n\n") {
			p = strings.TrimSpace(p)
			key := strings.ToLower(strings.Join(strings.Fields(p), " "))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			paras = append(paras, p)
		}
		if len(paras) == 0 {
			continue
		}
		body := strings.Join(paras, "\n\n")
		if len(results) > 1 {
			body = "### " + titleFor(res.Specialist) + "\n\n" + body
		}
		sections = append(sections, body)
	}
	return strings.Join(sections, "\n\n")
}

func titleFor(name contractx.SpecialistName) string {
	if t, ok := sectionTitles[name]; ok {
		return t
	}
	return string(name)
}
