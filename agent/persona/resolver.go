package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// AttrUserID is the session attribute that, when present, names the
// provisioned user instead of the raw channel identity.
const AttrUserID = "user_id"

type Config struct {
	File           string `envconfig:"FILE" split_words:"true"`
	DatabaseURL    string `envconfig:"DATABASE_URL" split_words:"true"`
	DefaultPersona string `envconfig:"DEFAULT_PERSONA" split_words:"true"`
}

type Resolver struct {
	table          Table
	defaultPersona contractx.Persona
}

type ResolverOption func(*Resolver)

// WithDefaultPersona makes unprovisioned identities resolve to p instead of
// failing with ErrUnknownIdentity.
func WithDefaultPersona(p contractx.Persona) ResolverOption {
	return func(r *Resolver) {
		r.defaultPersona = p
	}
}

func NewResolver(table Table, opts ...ResolverOption) (*Resolver, error) {
	if table == nil {
		return nil, errors.New("provisioning table is required")
	}
	r := &Resolver{table: table}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Resolver) Resolve(ctx context.Context, signal contractx.IdentitySignal) (contractx.PersonaProfile, error) {
	key := IdentityKey(signal)
	if key == "" {
		return contractx.PersonaProfile{}, fmt.Errorf("%w: identity is empty", contractx.ErrValidation)
	}

	entry, err := r.table.Lookup(ctx, key)
	switch {
	case errors.Is(err, ErrNotProvisioned):
		if r.defaultPersona != "" {
			return Profile(key, r.defaultPersona, nil), nil
		}
		return contractx.PersonaProfile{}, fmt.Errorf("%w: identity=%s", contractx.ErrUnknownIdentity, key)
	case err != nil:
		return contractx.PersonaProfile{}, err
	}

	p, ok := contractx.ParsePersona(entry.Persona)
	if !ok {
		return contractx.PersonaProfile{}, fmt.Errorf("%w: identity=%s has unknown persona %q", contractx.ErrUnknownIdentity, key, entry.Persona)
	}

	narrow := make([]contractx.SpecialistName, 0, len(entry.Capabilities))
	for _, raw := range entry.Capabilities {
		if name, ok := contractx.ParseSpecialist(raw); ok {
			narrow = append(narrow, name)
		}
	}
	return Profile(key, p, narrow), nil
}

// IdentityKey is the memory and provisioning key for a signal.
func IdentityKey(signal contractx.IdentitySignal) string {
	if v := strings.TrimSpace(signal.Attributes[AttrUserID]); v != "" {
		return NormalizeIdentity(v)
	}
	return NormalizeIdentity(signal.Identity)
}
