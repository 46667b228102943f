package contract

import (
	"slices"
	"strings"
	"time"
)

// Persona is the closed set of user roles. PersonaGuest is the fallback
// assigned to identities that cannot be resolved.
type Persona string

const (
	PersonaGuest         Persona = "guest"
	PersonaStudent       Persona = "student"
	PersonaProfessor     Persona = "professor"
	PersonaAdministrator Persona = "administrator"
	PersonaLoadPlanner   Persona = "load_planner"
)

func AllPersonas() []Persona {
	return []Persona{
		PersonaGuest,
		PersonaStudent,
		PersonaProfessor,
		PersonaAdministrator,
		PersonaLoadPlanner,
	}
}

func ParsePersona(raw string) (Persona, bool) {
	p := Persona(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(AllPersonas(), p) {
		return p, true
	}
	return "", false
}

// SpecialistName is the closed set of dispatchable specialists.
type SpecialistName string

const (
	SpecialistGeneralInquiry  SpecialistName = "general_inquiry"
	SpecialistPatternAnalysis SpecialistName = "pattern_analysis"
	SpecialistAllocation      SpecialistName = "allocation_recommendation"
	SpecialistAdminReport     SpecialistName = "administrative_report"
)

// AllSpecialists lists every specialist in canonical pipeline order.
func AllSpecialists() []SpecialistName {
	return []SpecialistName{
		SpecialistGeneralInquiry,
		SpecialistPatternAnalysis,
		SpecialistAllocation,
		SpecialistAdminReport,
	}
}

func ParseSpecialist(raw string) (SpecialistName, bool) {
	name := SpecialistName(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(AllSpecialists(), name) {
		return name, true
	}
	return "", false
}

// PipelineRank orders specialists inside a composite request.
func (n SpecialistName) PipelineRank() int {
	idx := slices.Index(AllSpecialists(), n)
	if idx < 0 {
		return len(AllSpecialists())
	}
	return idx
}

// CapabilitySet is an ordered, de-duplicated list of entitled specialists.
type CapabilitySet []SpecialistName

func NewCapabilitySet(names ...SpecialistName) CapabilitySet {
	out := make(CapabilitySet, 0, len(names))
	for _, name := range names {
		if name == "" || slices.Contains(out, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (c CapabilitySet) Allows(name SpecialistName) bool {
	return slices.Contains(c, name)
}

type DisplayScope string

const (
	ScopeSelf   DisplayScope = "self"
	ScopeCohort DisplayScope = "cohort"
	ScopeAll    DisplayScope = "all"
)

type PersonaProfile struct {
	Identity     string        `json:"identity"`
	Persona      Persona       `json:"persona"`
	Capabilities CapabilitySet `json:"capabilities"`
	DisplayScope DisplayScope  `json:"display_scope"`
	Fallback     bool          `json:"fallback,omitempty"`
}

// IdentitySignal is what the transport knows about the sender of a message.
type IdentitySignal struct {
	Identity   string            `json:"identity"`
	Channel    string            `json:"channel,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type TurnStatus string

const (
	TurnOK       TurnStatus = "ok"
	TurnDegraded TurnStatus = "degraded"
	TurnFailed   TurnStatus = "failed"
)

type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultDegraded ResultStatus = "degraded"
	ResultFailed   ResultStatus = "failed"
)

type ConversationTurn struct {
	ID                 string           `json:"id"`
	Identity           string           `json:"identity"`
	Timestamp          time.Time        `json:"timestamp"`
	InputText          string           `json:"input_text"`
	Persona            Persona          `json:"persona"`
	InvokedSpecialists []SpecialistName `json:"invoked_specialists"`
	OutputText         string           `json:"output_text"`
	Status             TurnStatus       `json:"status"`
}

// MemoryEntry is one fact or preference value. UpdatedAt decides merges.
type MemoryEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MemoryKind string

const (
	KindFact       MemoryKind = "facts"
	KindPreference MemoryKind = "preferences"
)

// TurnCommit is everything a single turn writes to memory.
type TurnCommit struct {
	Turn        ConversationTurn       `json:"turn"`
	Facts       map[string]MemoryEntry `json:"facts,omitempty"`
	Preferences map[string]MemoryEntry `json:"preferences,omitempty"`
}

type MemorySnapshot struct {
	Identity    string                 `json:"identity"`
	Facts       map[string]MemoryEntry `json:"facts"`
	Preferences map[string]MemoryEntry `json:"preferences"`
	Turns       int                    `json:"turns"`
}

type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// ContextBundle is what a specialist sees for one invocation.
type ContextBundle struct {
	TurnID      string             `json:"turn_id"`
	InputText   string             `json:"input_text"`
	Persona     Persona            `json:"persona"`
	RecentTurns []ConversationTurn `json:"recent_turns,omitempty"`
	Facts       map[string]string  `json:"facts,omitempty"`
	Preferences map[string]string  `json:"preferences,omitempty"`
	Upstream    []SpecialistResult `json:"upstream,omitempty"`
}

type SpecialistResult struct {
	Specialist    SpecialistName    `json:"specialist"`
	Content       string            `json:"content"`
	UsedRetrieval bool              `json:"used_retrieval"`
	Status        ResultStatus      `json:"status"`
	Facts         map[string]string `json:"facts,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	Err           error             `json:"-"`
}

func (r SpecialistResult) Succeeded() bool {
	return r.Status != ResultFailed && strings.TrimSpace(r.Content) != ""
}

type ToolRequest struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type ToolResult struct {
	ID     string `json:"id,omitempty"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ConsumesUpstream reports whether the specialist builds on the output of
// earlier pipeline stages rather than running alongside them.
func (n SpecialistName) ConsumesUpstream() bool {
	switch n {
	case SpecialistAllocation, SpecialistAdminReport:
		return true
	default:
		return false
	}
}
