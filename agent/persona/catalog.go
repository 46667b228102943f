package persona

import (
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

type entitlement struct {
	capabilities contractx.CapabilitySet
	scope        contractx.DisplayScope
}

var catalog = map[contractx.Persona]entitlement{
	contractx.PersonaGuest: {
		capabilities: contractx.NewCapabilitySet(contractx.SpecialistGeneralInquiry),
		scope:        contractx.ScopeSelf,
	},
	contractx.PersonaStudent: {
		capabilities: contractx.NewCapabilitySet(
			contractx.SpecialistGeneralInquiry,
			contractx.SpecialistPatternAnalysis,
		),
		scope: contractx.ScopeSelf,
	},
	contractx.PersonaProfessor: {
		capabilities: contractx.NewCapabilitySet(
			contractx.SpecialistGeneralInquiry,
			contractx.SpecialistPatternAnalysis,
			contractx.SpecialistAllocation,
		),
		scope: contractx.ScopeCohort,
	},
	contractx.PersonaLoadPlanner: {
		capabilities: contractx.NewCapabilitySet(
			contractx.SpecialistGeneralInquiry,
			contractx.SpecialistPatternAnalysis,
			contractx.SpecialistAllocation,
		),
		scope: contractx.ScopeCohort,
	},
	contractx.PersonaAdministrator: {
		capabilities: contractx.NewCapabilitySet(contractx.AllSpecialists()...),
		scope:        contractx.ScopeAll,
	},
}

// Profile builds the entitled profile for a persona. A non-empty narrow list
// can only remove capabilities; general_inquiry always survives.
func Profile(identity string, p contractx.Persona, narrow []contractx.SpecialistName) contractx.PersonaProfile {
	ent, ok := catalog[p]
	if !ok {
		p = contractx.PersonaGuest
		ent = catalog[p]
	}

	caps := ent.capabilities
	if len(narrow) > 0 {
		allowed := contractx.NewCapabilitySet(narrow...)
		filtered := contractx.NewCapabilitySet(contractx.SpecialistGeneralInquiry)
		for _, name := range ent.capabilities {
			if allowed.Allows(name) {
				filtered = append(filtered, name)
			}
		}
		caps = contractx.NewCapabilitySet(filtered...)
	}

	return contractx.PersonaProfile{
		Identity:     identity,
		Persona:      p,
		Capabilities: append(contractx.CapabilitySet(nil), caps...),
		DisplayScope: ent.scope,
	}
}

// Fallback is the profile used when resolution fails for any reason.
func Fallback(identity string) contractx.PersonaProfile {
	profile := Profile(identity, contractx.PersonaGuest, nil)
	profile.Fallback = true
	return profile
}
