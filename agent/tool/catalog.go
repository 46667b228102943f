package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

const ToolKnowledgeSearch = "knowledge_search"

// Executor runs one tool call. Bad arguments come back in ToolResult.Error so
// the model can correct itself; a returned error means the backing service
// failed.
type Executor func(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error)

type KnowledgeSearchOutput struct {
	Query    string              `json:"query"`
	Passages []contractx.Passage `json:"passages"`
	Note     string              `json:"note,omitempty"`
}

func BuildFor(name contractx.SpecialistName, retriever contractx.Retriever, topK int) ([]*schema.ToolInfo, Executor) {
	return InfosFor(name), NewExecutor(name, retriever, topK)
}

func NewExecutor(name contractx.SpecialistName, retriever contractx.Retriever, topK int) Executor {
	allowed := map[string]struct{}{}
	for _, info := range InfosFor(name) {
		allowed[info.Name] = struct{}{}
	}
	if topK <= 0 {
		topK = 5
	}
	fallback := DefaultExecutor(name)

	return func(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error) {
		if _, ok := allowed[tool]; !ok {
			return fallback(ctx, tool, args)
		}

		switch tool {
		case ToolKnowledgeSearch:
			return executeKnowledgeSearch(ctx, retriever, topK, tool, args)
		case ToolMathEvaluate:
			return executeMathTool(tool, args), nil
		case ToolCargoTotalWeight:
			items, err := cargoItemsArg(args, "items")
			if err != nil {
				return failed(tool, err), nil
			}
			out, err := TotalWeight(items)
			return respond(tool, out, err)
		case ToolCargoTotalVolume:
			items, err := cargoItemsArg(args, "items")
			if err != nil {
				return failed(tool, err), nil
			}
			out, err := TotalVolume(items)
			return respond(tool, out, err)
		case ToolCargoDimensionalFit:
			dims, err := numberArgs(args, "length", "width", "height")
			if err != nil {
				return failed(tool, err), nil
			}
			uld, err := stringArg(args, "uld_type")
			if err != nil {
				return failed(tool, err), nil
			}
			out, err := DimensionalFit(dims[0], dims[1], dims[2], uld)
			return respond(tool, out, err)
		case ToolCargoWeightConstraint:
			weight, err := numberArgs(args, "cargo_weight")
			if err != nil {
				return failed(tool, err), nil
			}
			uld, err := stringArg(args, "uld_type")
			if err != nil {
				return failed(tool, err), nil
			}
			includeTare := true
			if v, ok := args["include_tare"].(bool); ok {
				includeTare = v
			}
			out, err := WeightConstraints(uld, weight[0], includeTare)
			return respond(tool, out, err)
		case ToolCargoULDRequirements:
			totals, err := numberArgs(args, "total_weight", "total_volume")
			if err != nil {
				return failed(tool, err), nil
			}
			uld := "AKE"
			if v, err := stringArg(args, "uld_type"); err == nil {
				uld = v
			}
			out, err := ULDRequirements(totals[0], totals[1], uld)
			return respond(tool, out, err)
		case ToolCargoCompareULDs:
			totals, err := numberArgs(args, "total_weight", "total_volume")
			if err != nil {
				return failed(tool, err), nil
			}
			out, err := CompareULDOptions(totals[0], totals[1])
			return respond(tool, out, err)
		default:
			return fallback(ctx, tool, args)
		}
	}
}

func DefaultExecutor(name contractx.SpecialistName) Executor {
	return func(ctx context.Context, tool string, _ map[string]any) (contractx.ToolResult, error) {
		return contractx.ToolResult{
			Tool:  tool,
			Error: fmt.Sprintf("tool=%s is unavailable for specialist=%s", tool, name),
		}, nil
	}
}

func executeKnowledgeSearch(
	ctx context.Context,
	retriever contractx.Retriever,
	topK int,
	tool string,
	args map[string]any,
) (contractx.ToolResult, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return failed(tool, err), nil
	}
	if retriever == nil {
		return contractx.ToolResult{Tool: tool, Error: "knowledge retriever is not configured"},
			fmt.Errorf("%w: no retriever configured", contractx.ErrRetrievalFailed)
	}

	passages, err := retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return contractx.ToolResult{Tool: tool, Error: "knowledge retrieval failed"},
			fmt.Errorf("%w: %v", contractx.ErrRetrievalFailed, err)
	}

	out := KnowledgeSearchOutput{Query: query, Passages: passages}
	if len(passages) == 0 {
		out.Passages = []contractx.Passage{}
		out.Note = "no matching passages"
	}
	return contractx.ToolResult{Tool: tool, Result: out}, nil
}

func respond(tool string, out any, err error) (contractx.ToolResult, error) {
	if err != nil {
		return failed(tool, err), nil
	}
	return contractx.ToolResult{Tool: tool, Result: out}, nil
}

func failed(tool string, err error) contractx.ToolResult {
	return contractx.ToolResult{Tool: tool, Error: err.Error()}
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

func numberArgs(args map[string]any, keys ...string) ([]float64, error) {
	out := make([]float64, 0, len(keys))
	for _, key := range keys {
		raw, ok := args[key]
		if !ok {
			return nil, fmt.Errorf("%s is required", key)
		}
		var v float64
		switch n := raw.(type) {
		case float64:
			v = n
		case int:
			v = float64(n)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be a number", key)
			}
			v = parsed
		default:
			return nil, fmt.Errorf("%s must be a number", key)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s must be finite", key)
		}
		out = append(out, v)
	}
	return out, nil
}

/* ---- tool schemas ---- */

var (
	knowledgeSearchInfo = &schema.ToolInfo{
		Name: ToolKnowledgeSearch,
		Desc: "Search the cargo knowledge base and return evidence passages.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {Type: schema.String, Desc: "Natural language query", Required: true},
		}),
	}
	mathEvaluateInfo = &schema.ToolInfo{
		Name: ToolMathEvaluate,
		Desc: "Evaluate a mathematical expression.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"expression": {Type: schema.String, Desc: "Expression to evaluate", Required: true},
		}),
	}
	cargoItemsParam = &schema.ParameterInfo{
		Type: schema.Array,
		Desc: "Cargo items",
		ElemInfo: &schema.ParameterInfo{
			Type: schema.Object,
			SubParams: map[string]*schema.ParameterInfo{
				"weight":   {Type: schema.Number, Desc: "Weight per piece in kg"},
				"length":   {Type: schema.Number, Desc: "Length in cm"},
				"width":    {Type: schema.Number, Desc: "Width in cm"},
				"height":   {Type: schema.Number, Desc: "Height in cm"},
				"quantity": {Type: schema.Integer, Desc: "Number of pieces, default 1"},
			},
		},
		Required: true,
	}
	uldTypeParam = &schema.ParameterInfo{
		Type: schema.String,
		Desc: "ULD type code",
		Enum: []string{"AKE", "AAA", "AKN", "AAP", "AMA"},
	}
	totalWeightInfo = &schema.ToolInfo{
		Name: ToolCargoTotalWeight,
		Desc: "Sum weight times quantity across cargo items.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"items": cargoItemsParam,
		}),
	}
	totalVolumeInfo = &schema.ToolInfo{
		Name: ToolCargoTotalVolume,
		Desc: "Sum length x width x height x quantity across cargo items, returned in cubic meters.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"items": cargoItemsParam,
		}),
	}
	dimensionalFitInfo = &schema.ToolInfo{
		Name: ToolCargoDimensionalFit,
		Desc: "Check whether a cargo piece fits inside a ULD, allowing 5 cm height overhang.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"length":   {Type: schema.Number, Desc: "Length in cm", Required: true},
			"width":    {Type: schema.Number, Desc: "Width in cm", Required: true},
			"height":   {Type: schema.Number, Desc: "Height in cm", Required: true},
			"uld_type": requiredParam(uldTypeParam),
		}),
	}
	weightConstraintsInfo = &schema.ToolInfo{
		Name: ToolCargoWeightConstraint,
		Desc: "Check cargo weight against a ULD's gross (with tare) or net capacity.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"cargo_weight": {Type: schema.Number, Desc: "Cargo weight in kg", Required: true},
			"uld_type":     requiredParam(uldTypeParam),
			"include_tare": {Type: schema.Boolean, Desc: "Add tare and check gross capacity, default true"},
		}),
	}
	uldRequirementsInfo = &schema.ToolInfo{
		Name: ToolCargoULDRequirements,
		Desc: "Count ULDs needed for a shipment and report the limiting factor.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"total_weight": {Type: schema.Number, Desc: "Total weight in kg", Required: true},
			"total_volume": {Type: schema.Number, Desc: "Total volume in m3", Required: true},
			"uld_type":     uldTypeParam,
		}),
	}
	compareULDsInfo = &schema.ToolInfo{
		Name: ToolCargoCompareULDs,
		Desc: "Rank every ULD type by average weight and volume utilization.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"total_weight": {Type: schema.Number, Desc: "Total weight in kg", Required: true},
			"total_volume": {Type: schema.Number, Desc: "Total volume in m3", Required: true},
		}),
	}
)

func requiredParam(p *schema.ParameterInfo) *schema.ParameterInfo {
	cp := *p
	cp.Required = true
	return &cp
}

func InfosFor(name contractx.SpecialistName) []*schema.ToolInfo {
	switch name {
	case contractx.SpecialistGeneralInquiry:
		return []*schema.ToolInfo{knowledgeSearchInfo}
	case contractx.SpecialistPatternAnalysis:
		return []*schema.ToolInfo{
			knowledgeSearchInfo,
			mathEvaluateInfo,
			totalWeightInfo,
			totalVolumeInfo,
			dimensionalFitInfo,
		}
	case contractx.SpecialistAllocation:
		return []*schema.ToolInfo{
			knowledgeSearchInfo,
			mathEvaluateInfo,
			dimensionalFitInfo,
			weightConstraintsInfo,
			uldRequirementsInfo,
			compareULDsInfo,
		}
	case contractx.SpecialistAdminReport:
		return []*schema.ToolInfo{knowledgeSearchInfo, mathEvaluateInfo}
	default:
		return nil
	}
}
