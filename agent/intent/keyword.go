package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var defaultRules = map[contractx.SpecialistName][]*regexp.Regexp{
	contractx.SpecialistGeneralInquiry: {
		regexp.MustCompile(`(?i)\b(what\s+is|what\s+are|explain|define|tell\s+me\s+about|how\s+do(es)?|help)\b`),
	},
	contractx.SpecialistPatternAnalysis: {
		regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|patterns?|trends?|historical|history|statistics|breakdown)\b`),
		regexp.MustCompile(`(?i)\b(total\s+(weight|volume)|load\s+factor|utili[sz]ation)\b`),
	},
	contractx.SpecialistAllocation: {
		regexp.MustCompile(`(?i)\b(recommend(ation)?s?|allocat(e|ion)|assign|optimi[sz]e|load\s+plan)\b`),
		regexp.MustCompile(`(?i)\b(which\s+uld|how\s+many\s+ulds?|best\s+uld|does\s+it\s+fit)\b`),
	},
	contractx.SpecialistAdminReport: {
		regexp.MustCompile(`(?i)\b(reports?|audit|kpis?|compliance|administrative|management\s+summary)\b`),
	},
}

type KeywordClassifier struct {
	rules map[contractx.SpecialistName][]*regexp.Regexp
}

type Option func(*KeywordClassifier)

// WithRule adds a pattern for a specialist on top of the defaults.
func WithRule(name contractx.SpecialistName, pattern *regexp.Regexp) Option {
	return func(c *KeywordClassifier) {
		if pattern == nil {
			return
		}
		c.rules[name] = append(c.rules[name], pattern)
	}
}

func NewKeywordClassifier(opts ...Option) *KeywordClassifier {
	c := &KeywordClassifier{rules: make(map[contractx.SpecialistName][]*regexp.Regexp, len(defaultRules))}
	for name, patterns := range defaultRules {
		c.rules[name] = append([]*regexp.Regexp(nil), patterns...)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify returns the entitled specialists whose rules match, in pipeline
// order. Text that matches nothing goes to general_inquiry when entitled.
func (c *KeywordClassifier) Classify(ctx context.Context, text string, capabilities contractx.CapabilitySet) ([]contractx.SpecialistName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := strings.TrimSpace(text)
	var out []contractx.SpecialistName
	for _, name := range capabilities {
		if matchesAny(c.rules[name], in) {
			out = append(out, name)
		}
	}

	if len(out) == 0 && capabilities.Allows(contractx.SpecialistGeneralInquiry) {
		return []contractx.SpecialistName{contractx.SpecialistGeneralInquiry}, nil
	}

	// General inquiry only adds noise next to a specific specialist.
	if len(out) > 1 {
		specific := out[:0]
		for _, name := range out {
			if name != contractx.SpecialistGeneralInquiry {
				specific = append(specific, name)
			}
		}
		out = specific
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PipelineRank() < out[j].PipelineRank()
	})
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
