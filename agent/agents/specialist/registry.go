package specialist

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
	llmx "github.com/tanpawarit/persona-router/agent/llm"
	promptx "github.com/tanpawarit/persona-router/agent/prompt"
)

// Registry is the closed set of specialists available for dispatch.
type Registry struct {
	byName map[contractx.SpecialistName]contractx.Specialist
}

var _ contractx.Registry = (*Registry)(nil)

func NewStaticRegistry(specs ...contractx.Specialist) (*Registry, error) {
	r := &Registry{byName: make(map[contractx.SpecialistName]contractx.Specialist, len(specs))}
	for _, s := range specs {
		if s == nil {
			continue
		}
		name := s.Name()
		if _, ok := contractx.ParseSpecialist(string(name)); !ok {
			return nil, fmt.Errorf("%w: unknown specialist=%q", contractx.ErrValidation, name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("%w: specialist=%s registered twice", contractx.ErrValidation, name)
		}
		r.byName[name] = s
	}
	return r, nil
}

func (r *Registry) Lookup(name contractx.SpecialistName) (contractx.Specialist, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Missing lists specialists with no implementation, in pipeline order.
func (r *Registry) Missing() []contractx.SpecialistName {
	var out []contractx.SpecialistName
	for _, name := range contractx.AllSpecialists() {
		if _, ok := r.byName[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// NewRegistry builds every specialist against its configured model.
func NewRegistry(ctx context.Context, cfg llmx.Config, retriever contractx.Retriever, topK int) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prompts := promptx.LoadPromptSet()
	if err := prompts.Validate(); err != nil {
		return nil, err
	}

	specs := make([]contractx.Specialist, 0, len(contractx.AllSpecialists()))
	for _, name := range contractx.AllSpecialists() {
		modelCfg := cfg.OpenRouterFor(llmx.RoleFor(name))
		chatModel, err := modelCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, name, err)
		}
		systemPrompt, err := prompts.For(name)
		if err != nil {
			return nil, err
		}

		agent, err := New(ctx, name, chatModel, systemPrompt, prompts.Finalize, retriever, topK,
			WithMaxToolRounds(cfg.MaxToolRounds))
		if err != nil {
			return nil, err
		}
		specs = append(specs, agent)
	}

	r, err := NewStaticRegistry(specs...)
	if err != nil {
		return nil, err
	}
	if missing := r.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: specialists without implementation: %v", contractx.ErrValidation, missing)
	}
	return r, nil
}

// NewLLMClassifier builds the model-backed intent classifier.
func NewLLMClassifier(ctx context.Context, cfg llmx.Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modelCfg := cfg.OpenRouterFor(llmx.RoleClassifier)
	chatModel, err := modelCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create classifier model: %v", contractx.ErrModelInvoke, err)
	}
	return NewClassifier(ctx, chatModel, promptx.LoadPromptSet().Classifier)
}
