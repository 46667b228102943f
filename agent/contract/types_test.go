package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePersona(t *testing.T) {
	t.Parallel()

	p, ok := ParsePersona("  Load_Planner ")
	assert.True(t, ok)
	assert.Equal(t, PersonaLoadPlanner, p)

	_, ok = ParsePersona("janitor")
	assert.False(t, ok)
}

func TestParseSpecialist(t *testing.T) {
	t.Parallel()

	for _, name := range AllSpecialists() {
		got, ok := ParseSpecialist(string(name))
		assert.True(t, ok, name)
		assert.Equal(t, name, got)
	}
	_, ok := ParseSpecialist("weather")
	assert.False(t, ok)
}

func TestPipelineRankFollowsCanonicalOrder(t *testing.T) {
	t.Parallel()

	assert.Less(t, SpecialistGeneralInquiry.PipelineRank(), SpecialistPatternAnalysis.PipelineRank())
	assert.Less(t, SpecialistPatternAnalysis.PipelineRank(), SpecialistAllocation.PipelineRank())
	assert.Less(t, SpecialistAllocation.PipelineRank(), SpecialistAdminReport.PipelineRank())
	assert.Equal(t, len(AllSpecialists()), SpecialistName("unknown").PipelineRank())
}

func TestNewCapabilitySetDedups(t *testing.T) {
	t.Parallel()

	caps := NewCapabilitySet(SpecialistGeneralInquiry, "", SpecialistAllocation, SpecialistGeneralInquiry)
	assert.Equal(t, CapabilitySet{SpecialistGeneralInquiry, SpecialistAllocation}, caps)
	assert.True(t, caps.Allows(SpecialistAllocation))
	assert.False(t, caps.Allows(SpecialistAdminReport))
}

func TestConsumesUpstream(t *testing.T) {
	t.Parallel()

	assert.False(t, SpecialistGeneralInquiry.ConsumesUpstream())
	assert.False(t, SpecialistPatternAnalysis.ConsumesUpstream())
	assert.True(t, SpecialistAllocation.ConsumesUpstream())
	assert.True(t, SpecialistAdminReport.ConsumesUpstream())
}

func TestSpecialistResultSucceeded(t *testing.T) {
	t.Parallel()

	assert.True(t, SpecialistResult{Status: ResultOK, Content: "answer"}.Succeeded())
	assert.True(t, SpecialistResult{Status: ResultDegraded, Content: "partial"}.Succeeded())
	assert.False(t, SpecialistResult{Status: ResultOK, Content: "  "}.Succeeded())
	assert.False(t, SpecialistResult{Status: ResultFailed, Content: "x"}.Succeeded())
}
