package persona

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

type failingTable struct{ err error }

func (f failingTable) Lookup(context.Context, string) (Entry, error) {
	return Entry{}, f.err
}

func TestResolveProvisionedPhone(t *testing.T) {
	t.Parallel()

	table := NewStaticTable(Entry{Identity: "+1 (555) 010-2000", Persona: "student"})
	r, err := NewResolver(table)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "+15550102000"})
	require.NoError(t, err)
	assert.Equal(t, contractx.PersonaStudent, got.Persona)
	assert.Equal(t, contractx.ScopeSelf, got.DisplayScope)
	assert.Equal(t, contractx.CapabilitySet{
		contractx.SpecialistGeneralInquiry,
		contractx.SpecialistPatternAnalysis,
	}, got.Capabilities)
	assert.False(t, got.Fallback)
}

func TestResolveUsesSessionAttribute(t *testing.T) {
	t.Parallel()

	table := NewStaticTable(Entry{Identity: "u-admin", Persona: "administrator"})
	r, err := NewResolver(table)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), contractx.IdentitySignal{
		Identity:   "web-session-1",
		Attributes: map[string]string{AttrUserID: "u-admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, contractx.PersonaAdministrator, got.Persona)
	assert.True(t, got.Capabilities.Allows(contractx.SpecialistAdminReport))
	assert.Equal(t, "u-admin", got.Identity)
}

func TestResolveUnknownIdentity(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(NewStaticTable())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "nobody"})
	require.ErrorIs(t, err, contractx.ErrUnknownIdentity)
}

func TestResolveDefaultPersona(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(NewStaticTable(), WithDefaultPersona(contractx.PersonaGuest))
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, contractx.PersonaGuest, got.Persona)
	assert.Equal(t, contractx.CapabilitySet{contractx.SpecialistGeneralInquiry}, got.Capabilities)
}

func TestResolveUnknownPersonaValue(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(NewStaticTable(Entry{Identity: "x", Persona: "wizard"}))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "x"})
	require.ErrorIs(t, err, contractx.ErrUnknownIdentity)
}

func TestResolveTableErrorIsPassedThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	r, err := NewResolver(failingTable{err: boom})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "x"})
	require.ErrorIs(t, err, boom)
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(NewStaticTable(Entry{Identity: "p1", Persona: "professor"}))
	require.NoError(t, err)

	first, err := r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "p1"})
	require.NoError(t, err)
	for range 10 {
		again, err := r.Resolve(context.Background(), contractx.IdentitySignal{Identity: "p1"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestProfileNarrowingNeverWidens(t *testing.T) {
	t.Parallel()

	got := Profile("s1", contractx.PersonaStudent, []contractx.SpecialistName{
		contractx.SpecialistAdminReport,
		contractx.SpecialistPatternAnalysis,
	})
	assert.Equal(t, contractx.CapabilitySet{
		contractx.SpecialistGeneralInquiry,
		contractx.SpecialistPatternAnalysis,
	}, got.Capabilities)

	got = Profile("s1", contractx.PersonaStudent, []contractx.SpecialistName{contractx.SpecialistAdminReport})
	assert.Equal(t, contractx.CapabilitySet{contractx.SpecialistGeneralInquiry}, got.Capabilities)
}

func TestEveryPersonaHasGeneralInquiry(t *testing.T) {
	t.Parallel()

	for _, p := range contractx.AllPersonas() {
		profile := Profile("id", p, nil)
		assert.Truef(t, profile.Capabilities.Allows(contractx.SpecialistGeneralInquiry), "persona=%s", p)
	}
}

func TestFallbackProfile(t *testing.T) {
	t.Parallel()

	got := Fallback("anon")
	assert.True(t, got.Fallback)
	assert.Equal(t, contractx.PersonaGuest, got.Persona)
	assert.Equal(t, contractx.CapabilitySet{contractx.SpecialistGeneralInquiry}, got.Capabilities)
}

func TestLoadStaticTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identities.yaml")
	content := []byte(`identities:
  - identity: "+66 81 234 5678"
    persona: load_planner
  - identity: prof-1
    persona: professor
    capabilities: [pattern_analysis]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	table, err := LoadStaticTable(path)
	require.NoError(t, err)

	e, err := table.Lookup(context.Background(), "+66812345678")
	require.NoError(t, err)
	assert.Equal(t, "load_planner", e.Persona)

	e, err = table.Lookup(context.Background(), "prof-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pattern_analysis"}, e.Capabilities)
}

func TestNormalizeIdentity(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  +1 555-010-2000 ": "+15550102000",
		"(02) 123 4567":      "021234567",
		"session-abc":        "session-abc",
		"12-34":              "12-34",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeIdentity(in), "input=%q", in)
	}
}

func TestApplyScope(t *testing.T) {
	t.Parallel()

	text := "Contact jane@example.com or +1 555 010 2000, card 4111 1111 1111 1111."

	self, changed := ApplyScope(contractx.ScopeSelf, text)
	assert.True(t, changed)
	assert.NotContains(t, self, "jane@example.com")
	assert.Contains(t, self, "[REDACTED_EMAIL]")
	assert.Contains(t, self, "[REDACTED_CARD]")

	cohort, changed := ApplyScope(contractx.ScopeCohort, text)
	assert.True(t, changed)
	assert.Contains(t, cohort, "jane@example.com")
	assert.NotContains(t, cohort, "4111 1111 1111 1111")

	all, changed := ApplyScope(contractx.ScopeAll, text)
	assert.False(t, changed)
	assert.Equal(t, text, all)
}

func TestApplyScopeKeepsCargoFigures(t *testing.T) {
	t.Parallel()

	text := "Departure 2026-10-19. Piece weights (kg): 1200 1500 1800 900. ULD AMA internal 311 238 157 cm. " +
		"Gross 1588 kg, tare 85 kg, volume 3.5 m3, 12 pieces at 150x147x157."

	for _, scope := range []contractx.DisplayScope{contractx.ScopeSelf, contractx.ScopeCohort} {
		got, changed := ApplyScope(scope, text)
		assert.False(t, changed, scope)
		assert.Equal(t, text, got, scope)
	}
}

func TestApplyScopeRedactsPhoneShapes(t *testing.T) {
	t.Parallel()

	cases := []string{
		"call +66 81 234 5678 today",
		"call (555) 010-2000 today",
		"call 555-010-2000 today",
	}
	for _, in := range cases {
		got, changed := ApplyScope(contractx.ScopeCohort, in)
		assert.True(t, changed, in)
		assert.Equal(t, "call [REDACTED_PHONE] today", got, in)
	}
}

func TestApplyScopeCardNeedsLuhn(t *testing.T) {
	t.Parallel()

	got, changed := ApplyScope(contractx.ScopeCohort, "card 4111-1111-1111-1111 and ref 1234567890123456")
	assert.True(t, changed)
	assert.Equal(t, "card [REDACTED_CARD] and ref 1234567890123456", got)

	assert.True(t, luhnValid("4111 1111 1111 1111"))
	assert.False(t, luhnValid("1200 1500 1800 1900"))
	assert.False(t, luhnValid("4111"))
}
