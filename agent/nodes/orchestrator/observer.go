package orchestratornode

import (
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// Observer receives routing events for metrics.
type Observer interface {
	ForbiddenRoute(p contractx.Persona, name contractx.SpecialistName)
	SpecialistFinished(name contractx.SpecialistName, status contractx.ResultStatus, elapsed time.Duration)
	TurnFinished(p contractx.Persona, status contractx.TurnStatus, elapsed time.Duration)
}

type NopObserver struct{}

func (NopObserver) ForbiddenRoute(contractx.Persona, contractx.SpecialistName) {}

func (NopObserver) SpecialistFinished(contractx.SpecialistName, contractx.ResultStatus, time.Duration) {
}

func (NopObserver) TurnFinished(contractx.Persona, contractx.TurnStatus, time.Duration) {}
