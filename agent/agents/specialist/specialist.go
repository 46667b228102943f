package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	toolx "github.com/tanpawarit/persona-router/agent/tool"
)

const DefaultMaxToolRounds = 4

// Agent is one specialist: a bounded tool loop over a tool-bound chat model
// followed by a structured finalize call.
type Agent struct {
	name          contractx.SpecialistName
	systemPrompt  string
	maxToolRounds int
	executor      toolx.Executor
	allowedTools  map[string]struct{}

	toolRunner     compose.Runnable[[]*schema.Message, *schema.Message]
	finalizeRunner compose.Runnable[map[string]any, specialistLLMOutput]
	runtimeRunner  compose.Runnable[contractx.ContextBundle, contractx.SpecialistResult]
}

var _ contractx.Specialist = (*Agent)(nil)

type specialistLLMOutput struct {
	Message     string         `json:"message"`
	Facts       map[string]any `json:"facts,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

type specialistRun struct {
	Bundle          contractx.ContextBundle
	Evidence        []contractx.ToolResult
	Draft           string
	UsedRetrieval   bool
	RetrievalFailed bool
}

type Option func(*Agent)

func WithMaxToolRounds(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxToolRounds = n
		}
	}
}

// WithExecutor replaces the catalog executor, mainly for tests.
func WithExecutor(exec toolx.Executor) Option {
	return func(a *Agent) {
		if exec != nil {
			a.executor = exec
		}
	}
}

// New builds a specialist. Tools come from the catalog for name; the
// retriever backs knowledge_search and may be nil.
func New(
	ctx context.Context,
	name contractx.SpecialistName,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
	finalizePrompt string,
	retriever contractx.Retriever,
	topK int,
	opts ...Option,
) (*Agent, error) {
	if _, ok := contractx.ParseSpecialist(string(name)); !ok {
		return nil, fmt.Errorf("%w: unknown specialist=%q", contractx.ErrValidation, name)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: specialist=%s", contractx.ErrPromptMissing, name)
	}
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required for specialist=%s", contractx.ErrValidation, name)
	}

	tools, executor := toolx.BuildFor(name, retriever, topK)
	a := &Agent{
		name:          name,
		systemPrompt:  strings.TrimSpace(systemPrompt),
		maxToolRounds: DefaultMaxToolRounds,
		executor:      executor,
		allowedTools:  make(map[string]struct{}, len(tools)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	for _, t := range tools {
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		a.allowedTools[t.Name] = struct{}{}
	}

	finalizeSystem := a.systemPrompt
	if fp := strings.TrimSpace(finalizePrompt); fp != "" {
		finalizeSystem += "\n\n" + fp
	}
	finalizeRunner, err := compileSpecialistFinalizeGraph(ctx, chatModel, finalizeSystem)
	if err != nil {
		return nil, fmt.Errorf("%w: compile finalize graph: %v", contractx.ErrModelInvoke, err)
	}
	a.finalizeRunner = finalizeRunner

	usesTools := len(tools) > 0 && a.maxToolRounds > 0
	if usesTools {
		toolModel, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for specialist=%s: %v", contractx.ErrModelInvoke, name, err)
		}
		toolRunner, err := compileToolLoopGraph(ctx, toolModel)
		if err != nil {
			return nil, fmt.Errorf("%w: compile tool loop graph: %v", contractx.ErrModelInvoke, err)
		}
		a.toolRunner = toolRunner
	}

	runtimeRunner, err := compileSpecialistRuntimeGraph(ctx, usesTools, a.gatherEvidence, a.finalize)
	if err != nil {
		return nil, fmt.Errorf("%w: compile specialist runtime graph: %v", contractx.ErrModelInvoke, err)
	}
	a.runtimeRunner = runtimeRunner

	return a, nil
}

func (a *Agent) Name() contractx.SpecialistName {
	return a.name
}

func (a *Agent) Invoke(ctx context.Context, bundle contractx.ContextBundle) (contractx.SpecialistResult, error) {
	out, err := a.runtimeRunner.Invoke(ctx, bundle)
	if err != nil {
		return contractx.SpecialistResult{Specialist: a.name, Status: contractx.ResultFailed, Err: err}, err
	}
	return out, nil
}

func (a *Agent) gatherEvidence(ctx context.Context, run *specialistRun) (*specialistRun, error) {
	input, err := a.payload(run, false)
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(a.systemPrompt),
		schema.UserMessage(input),
	}

	for round := 0; round < a.maxToolRounds; round++ {
		msg, err := a.toolRunner.Invoke(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("%w: tool loop invoke: %v", contractx.ErrModelInvoke, err)
		}
		if msg == nil {
			return nil, fmt.Errorf("%w: empty tool loop response", contractx.ErrSchemaViolation)
		}

		requests, err := toToolRequests(msg.ToolCalls)
		if err != nil {
			return nil, err
		}
		if len(requests) == 0 {
			run.Draft = strings.TrimSpace(msg.Content)
			return run, nil
		}

		for _, tr := range requests {
			if _, ok := a.allowedTools[tr.Tool]; !ok {
				return nil, fmt.Errorf("%w: tool=%s is not allowed for specialist=%s", contractx.ErrSchemaViolation, tr.Tool, a.name)
			}
		}

		messages = append(messages, msg)
		for _, tr := range requests {
			if tr.Tool == toolx.ToolKnowledgeSearch {
				run.UsedRetrieval = true
			}

			res, err := a.executor(ctx, tr.Tool, tr.Args)
			if err != nil {
				if !errors.Is(err, contractx.ErrRetrievalFailed) {
					return nil, fmt.Errorf("execute tool=%s: %w", tr.Tool, err)
				}
				run.RetrievalFailed = true
			}
			res.ID = tr.ID
			if res.Tool == "" {
				res.Tool = tr.Tool
			}
			run.Evidence = append(run.Evidence, res)

			content, err := json.Marshal(res)
			if err != nil {
				return nil, fmt.Errorf("%w: marshal tool result: %v", contractx.ErrValidation, err)
			}
			messages = append(messages, schema.ToolMessage(string(content), tr.ID))
		}
	}

	return run, nil
}

func (a *Agent) finalize(ctx context.Context, run *specialistRun) (contractx.SpecialistResult, error) {
	input, err := a.payload(run, true)
	if err != nil {
		return contractx.SpecialistResult{}, err
	}

	out, err := a.finalizeRunner.Invoke(ctx, map[string]any{
		"input": input,
	})
	if err != nil {
		return contractx.SpecialistResult{}, fmt.Errorf("%w: specialist finalize: %v", contractx.ErrModelInvoke, err)
	}

	message := strings.TrimSpace(out.Message)
	if message == "" {
		return contractx.SpecialistResult{}, fmt.Errorf("%w: specialist message is empty", contractx.ErrSchemaViolation)
	}

	status := contractx.ResultOK
	if run.RetrievalFailed {
		status = contractx.ResultDegraded
	}

	return contractx.SpecialistResult{
		Specialist:    a.name,
		Content:       message,
		UsedRetrieval: run.UsedRetrieval,
		Status:        status,
		Facts:         flattenMemory(out.Facts),
		Preferences:   flattenMemory(out.Preferences),
	}, nil
}

func (a *Agent) payload(run *specialistRun, final bool) (string, error) {
	b := run.Bundle
	payload := map[string]any{
		"mode":         "act",
		"persona":      b.Persona,
		"user_message": b.InputText,
		"recent_turns": summarizeTurns(b.RecentTurns),
		"facts":        b.Facts,
		"preferences":  b.Preferences,
		"upstream":     summarizeUpstream(b.Upstream),
	}
	if final {
		payload["mode"] = "finalize"
		payload["evidence"] = run.Evidence
		payload["draft"] = run.Draft
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal specialist payload: %v", contractx.ErrValidation, err)
	}
	return string(raw), nil
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}

		reqs = append(reqs, contractx.ToolRequest{
			ID:   call.ID,
			Tool: tool,
			Args: args,
		})
	}
	return reqs, nil
}

func summarizeTurns(turns []contractx.ConversationTurn) []map[string]any {
	out := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		out = append(out, map[string]any{
			"user":      t.InputText,
			"assistant": t.OutputText,
			"at":        t.Timestamp,
		})
	}
	return out
}

func summarizeUpstream(results []contractx.SpecialistResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		out = append(out, map[string]any{
			"specialist": r.Specialist,
			"content":    r.Content,
		})
	}
	return out
}

// flattenMemory keeps scalar values only; nested objects are not memory.
func flattenMemory(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				out[key] = s
			}
		case float64, bool:
			out[key] = fmt.Sprint(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
