package llm

import (
	"errors"
	"testing"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

func TestOpenRouterForOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{
		APIKey:                "k",
		Model:                 "base/model",
		Temperature:           0.5,
		MaxCompletionToken:    1000,
		AllocationModel:       " planner/model ",
		ClassifierTemperature: 0,
		SpecialistTemperature: -1,
	}

	got := cfg.OpenRouterFor(RoleFor(contractx.SpecialistAllocation))
	if got.Model != "planner/model" {
		t.Fatalf("unexpected allocation model: %q", got.Model)
	}
	if got.Temperature != 0.5 {
		t.Fatalf("unexpected allocation temperature: %v", got.Temperature)
	}
	if got.MaxCompletionToken == nil || *got.MaxCompletionToken != 1000 {
		t.Fatalf("unexpected max tokens: %v", got.MaxCompletionToken)
	}

	cls := cfg.OpenRouterFor(RoleClassifier)
	if cls.Model != "base/model" || cls.Temperature != 0 {
		t.Fatalf("unexpected classifier config: %+v", cls)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := (Config{Model: "m"}).Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing key, got %v", err)
	}
	if err := (Config{APIKey: "k", Model: "m", MaxToolRounds: 4}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
