package intent

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var everything = contractx.NewCapabilitySet(contractx.AllSpecialists()...)

func TestClassifyCompositeInPipelineOrder(t *testing.T) {
	t.Parallel()

	got, err := NewKeywordClassifier().Classify(context.Background(),
		"Write an administrative report recommending ULD allocation based on last month's patterns",
		everything)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{
		contractx.SpecialistPatternAnalysis,
		contractx.SpecialistAllocation,
		contractx.SpecialistAdminReport,
	}, got)
}

func TestClassifyFallsBackToGeneral(t *testing.T) {
	t.Parallel()

	got, err := NewKeywordClassifier().Classify(context.Background(), "hello there", everything)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{contractx.SpecialistGeneralInquiry}, got)
}

func TestClassifyConsidersOnlyEntitled(t *testing.T) {
	t.Parallel()

	student := contractx.NewCapabilitySet(contractx.SpecialistGeneralInquiry, contractx.SpecialistPatternAnalysis)
	got, err := NewKeywordClassifier().Classify(context.Background(), "generate an administrative report", student)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{contractx.SpecialistGeneralInquiry}, got)
}

func TestClassifyDropsGeneralNextToSpecific(t *testing.T) {
	t.Parallel()

	got, err := NewKeywordClassifier().Classify(context.Background(), "explain the weight trends", everything)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{contractx.SpecialistPatternAnalysis}, got)
}

func TestClassifyEmptyCapabilities(t *testing.T) {
	t.Parallel()

	got, err := NewKeywordClassifier().Classify(context.Background(), "report", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithRule(t *testing.T) {
	t.Parallel()

	c := NewKeywordClassifier(WithRule(contractx.SpecialistAllocation, regexp.MustCompile(`(?i)\bbuild[- ]?up\b`)))
	got, err := c.Classify(context.Background(), "plan the build-up for flight 402", everything)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{contractx.SpecialistAllocation}, got)

	// defaults are not mutated by options
	got, err = NewKeywordClassifier().Classify(context.Background(), "plan the build-up for flight 402", everything)
	require.NoError(t, err)
	assert.Equal(t, []contractx.SpecialistName{contractx.SpecialistGeneralInquiry}, got)
}

func TestClassifyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeywordClassifier().Classify(ctx, "report", everything)
	require.ErrorIs(t, err, context.Canceled)
}
