package specialist

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

func compileClassifierGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
) (compose.Runnable[map[string]any, classifierLLMOutput], error) {
	runner, err := compileStructuredLLMGraph[classifierLLMOutput](ctx, chatModel, systemPrompt, "classifier.model_graph")
	if err != nil {
		return nil, fmt.Errorf("compile classifier graph: %w", err)
	}
	return runner, nil
}

func compileSpecialistFinalizeGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
) (compose.Runnable[map[string]any, specialistLLMOutput], error) {
	runner, err := compileStructuredLLMGraph[specialistLLMOutput](ctx, chatModel, systemPrompt, "specialist.finalize_graph")
	if err != nil {
		return nil, fmt.Errorf("compile specialist finalize graph: %w", err)
	}
	return runner, nil
}

// compileToolLoopGraph runs one turn of the tool-bound model over the running
// transcript. The caller owns the loop.
func compileToolLoopGraph(
	ctx context.Context,
	toolModel einomodel.BaseChatModel,
) (compose.Runnable[[]*schema.Message, *schema.Message], error) {
	graph := compose.NewGraph[[]*schema.Message, *schema.Message]()
	if err := graph.AddChatModelNode("model", toolModel); err != nil {
		return nil, fmt.Errorf("add tool loop model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "model"); err != nil {
		return nil, fmt.Errorf("add tool loop edge start->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add tool loop edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("specialist.tool_loop_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile specialist tool loop graph: %w", err)
	}
	return runner, nil
}

func compileSpecialistRuntimeGraph(
	ctx context.Context,
	usesTools bool,
	gather func(context.Context, *specialistRun) (*specialistRun, error),
	finalize func(context.Context, *specialistRun) (contractx.SpecialistResult, error),
) (compose.Runnable[contractx.ContextBundle, contractx.SpecialistResult], error) {
	graph := compose.NewGraph[contractx.ContextBundle, contractx.SpecialistResult]()

	if err := graph.AddLambdaNode("validate_bundle",
		compose.InvokableLambda(func(ctx context.Context, bundle contractx.ContextBundle) (*specialistRun, error) {
			if strings.TrimSpace(bundle.InputText) == "" {
				return nil, fmt.Errorf("%w: input text is required", contractx.ErrValidation)
			}
			return &specialistRun{Bundle: bundle}, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add specialist runtime validate node: %w", err)
	}

	if err := graph.AddLambdaNode("gather_evidence",
		compose.InvokableLambda(func(ctx context.Context, in *specialistRun) (*specialistRun, error) {
			if in == nil {
				return nil, fmt.Errorf("%w: specialist run state is nil", contractx.ErrValidation)
			}
			return gather(ctx, in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add specialist runtime gather node: %w", err)
	}

	if err := graph.AddLambdaNode("finalize",
		compose.InvokableLambda(func(ctx context.Context, in *specialistRun) (contractx.SpecialistResult, error) {
			if in == nil {
				return contractx.SpecialistResult{}, fmt.Errorf("%w: specialist run state is nil", contractx.ErrValidation)
			}
			return finalize(ctx, in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add specialist runtime finalize node: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *specialistRun) (string, error) {
			if usesTools {
				return "gather_evidence", nil
			}
			return "finalize", nil
		},
		map[string]bool{
			"gather_evidence": true,
			"finalize":        true,
		},
	)

	if err := graph.AddEdge(compose.START, "validate_bundle"); err != nil {
		return nil, fmt.Errorf("add specialist runtime edge start->validate: %w", err)
	}
	if err := graph.AddBranch("validate_bundle", branch); err != nil {
		return nil, fmt.Errorf("add specialist runtime branch: %w", err)
	}
	if err := graph.AddEdge("gather_evidence", "finalize"); err != nil {
		return nil, fmt.Errorf("add specialist runtime edge gather->finalize: %w", err)
	}
	if err := graph.AddEdge("finalize", compose.END); err != nil {
		return nil, fmt.Errorf("add specialist runtime edge finalize->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("specialist.runtime_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile specialist runtime graph: %w", err)
	}
	return runner, nil
}

func compileStructuredLLMGraph[T any](
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, T], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	parser := schema.NewMessageJSONParser[T](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, T]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add structured prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add structured model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add structured parser node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add structured edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add structured edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_json"); err != nil {
		return nil, fmt.Errorf("add structured edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_json", compose.END); err != nil {
		return nil, fmt.Errorf("add structured edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile structured graph: %w", err)
	}
	return runner, nil
}
