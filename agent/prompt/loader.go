package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var (
	//go:embed template/classifier.txt
	classifierRaw string

	//go:embed template/general_inquiry.txt
	generalRaw string

	//go:embed template/pattern_analysis.txt
	patternRaw string

	//go:embed template/allocation_recommendation.txt
	allocationRaw string

	//go:embed template/administrative_report.txt
	reportRaw string

	//go:embed template/finalize.txt
	finalizeRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Classifier  string
	Finalize    string
	Specialists map[contractx.SpecialistName]string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Classifier: strings.TrimSpace(classifierRaw),
		Finalize:   strings.TrimSpace(finalizeRaw),
		Specialists: map[contractx.SpecialistName]string{
			contractx.SpecialistGeneralInquiry:  strings.TrimSpace(generalRaw),
			contractx.SpecialistPatternAnalysis: strings.TrimSpace(patternRaw),
			contractx.SpecialistAllocation:      strings.TrimSpace(allocationRaw),
			contractx.SpecialistAdminReport:     strings.TrimSpace(reportRaw),
		},
	}
}

func (p PromptSet) For(name contractx.SpecialistName) (string, error) {
	text := strings.TrimSpace(p.Specialists[name])
	if text == "" {
		return "", fmt.Errorf("%w: specialist=%s", contractx.ErrPromptMissing, name)
	}
	return text, nil
}

func (p PromptSet) Validate() error {
	if p.Classifier == "" {
		return fmt.Errorf("%w: classifier", contractx.ErrPromptMissing)
	}
	if p.Finalize == "" {
		return fmt.Errorf("%w: finalize", contractx.ErrPromptMissing)
	}
	for _, name := range contractx.AllSpecialists() {
		if _, err := p.For(name); err != nil {
			return err
		}
	}
	return nil
}
