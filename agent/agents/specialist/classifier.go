package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// Classifier is the model-backed intent classifier. It may return names
// outside the capabilities it was offered; gating is the caller's job.
type Classifier struct {
	runner compose.Runnable[map[string]any, classifierLLMOutput]
}

var _ contractx.IntentClassifier = (*Classifier)(nil)

type classifierLLMOutput struct {
	Specialists []string `json:"specialists"`
}

func NewClassifier(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*Classifier, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: classifier", contractx.ErrPromptMissing)
	}
	runner, err := compileClassifierGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile classifier graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Classifier{runner: runner}, nil
}

func (c *Classifier) Classify(ctx context.Context, text string, capabilities contractx.CapabilitySet) ([]contractx.SpecialistName, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", contractx.ErrValidation)
	}

	payload := map[string]any{
		"message": text,
		"allowed": capabilities,
	}
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal classifier payload: %v", contractx.ErrValidation, err)
	}

	out, err := c.runner.Invoke(ctx, map[string]any{
		"input": string(inputBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: classifier invoke: %v", contractx.ErrModelInvoke, err)
	}

	names := make([]contractx.SpecialistName, 0, len(out.Specialists))
	for _, raw := range out.Specialists {
		name, ok := contractx.ParseSpecialist(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown specialist=%q", contractx.ErrSchemaViolation, raw)
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names, nil
}
