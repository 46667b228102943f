package contract

import "context"

type PersonaResolver interface {
	Resolve(ctx context.Context, signal IdentitySignal) (PersonaProfile, error)
}

type MemoryStore interface {
	LoadSession(ctx context.Context, identity string) ([]ConversationTurn, error)
	LoadFacts(ctx context.Context, identity string) (map[string]string, error)
	LoadPreferences(ctx context.Context, identity string) (map[string]string, error)
	Commit(ctx context.Context, identity string, commit TurnCommit) (bool, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// IntentClassifier maps text to an ordered list of specialists, drawing only
// from the capabilities it is given.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, capabilities CapabilitySet) ([]SpecialistName, error)
}

type Specialist interface {
	Name() SpecialistName
	Invoke(ctx context.Context, bundle ContextBundle) (SpecialistResult, error)
}

type Registry interface {
	Lookup(name SpecialistName) (Specialist, bool)
}
