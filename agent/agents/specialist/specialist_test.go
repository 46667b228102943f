package specialist

import (
	"context"
	"errors"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	toolx "github.com/tanpawarit/persona-router/agent/tool"
)

type fakeToolCallingModel struct {
	mu        sync.Mutex
	responses []*schema.Message
	err       error
	idx       int
	inputs    [][]*schema.Message
}

func (f *fakeToolCallingModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeToolCallingModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeToolCallingModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return f, nil
}

func (f *fakeToolCallingModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idx
}

type fakeRetriever struct {
	passages []contractx.Passage
	err      error
}

func (r fakeRetriever) Retrieve(context.Context, string, int) ([]contractx.Passage, error) {
	return r.passages, r.err
}

func toolCall(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{
				ID:   id,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			},
		},
	}
}

func bundle(text string) contractx.ContextBundle {
	return contractx.ContextBundle{
		TurnID:    "t1",
		InputText: text,
		Persona:   contractx.PersonaStudent,
	}
}

func TestAgentToolLoopThenFinalize(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			toolCall("call_1", toolx.ToolKnowledgeSearch, `{"query":"AKE max gross"}`),
			{Role: schema.Assistant, Content: "AKE max gross is 1588 kg."},
			{Content: `{"message":"An AKE holds up to 1588 kg gross.","facts":{"home_airport":"BKK","age":3},"preferences":{"units":"metric","nested":{"x":1}}}`},
		},
	}
	r := fakeRetriever{passages: []contractx.Passage{{Content: "AKE gross 1588 kg", Score: 0.9}}}

	agent, err := New(context.Background(), contractx.SpecialistGeneralInquiry, fake, "general prompt", "finalize prompt", r, 3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("how heavy can an AKE be?"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.Specialist != contractx.SpecialistGeneralInquiry {
		t.Fatalf("unexpected specialist: %s", out.Specialist)
	}
	if out.Status != contractx.ResultOK || !out.UsedRetrieval {
		t.Fatalf("unexpected status/retrieval: %s %v", out.Status, out.UsedRetrieval)
	}
	if out.Content != "An AKE holds up to 1588 kg gross." {
		t.Fatalf("unexpected content: %q", out.Content)
	}
	if out.Facts["home_airport"] != "BKK" || out.Facts["age"] != "3" {
		t.Fatalf("unexpected facts: %#v", out.Facts)
	}
	if _, ok := out.Preferences["nested"]; ok || out.Preferences["units"] != "metric" {
		t.Fatalf("unexpected preferences: %#v", out.Preferences)
	}
	if fake.calls() != 3 {
		t.Fatalf("expected 3 model calls, got %d", fake.calls())
	}
}

func TestAgentRetrievalFailureDegrades(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			toolCall("call_1", toolx.ToolKnowledgeSearch, `{"query":"AKE"}`),
			{Role: schema.Assistant, Content: "I could not look that up."},
			{Content: `{"message":"I could not confirm the AKE limits right now."}`},
		},
	}
	r := fakeRetriever{err: errors.New("index offline")}

	agent, err := New(context.Background(), contractx.SpecialistGeneralInquiry, fake, "general prompt", "", r, 3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("AKE limits?"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.Status != contractx.ResultDegraded {
		t.Fatalf("expected degraded, got %s", out.Status)
	}
	if !out.Succeeded() {
		t.Fatal("degraded result with content should still count as succeeded")
	}
}

func TestAgentEmptyRetrievalIsOK(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			toolCall("call_1", toolx.ToolKnowledgeSearch, `{"query":"penguins"}`),
			{Role: schema.Assistant, Content: "Nothing in the knowledge base."},
			{Content: `{"message":"I found nothing on that topic."}`},
		},
	}

	agent, err := New(context.Background(), contractx.SpecialistGeneralInquiry, fake, "general prompt", "", fakeRetriever{}, 3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("penguins?"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.Status != contractx.ResultOK || !out.UsedRetrieval {
		t.Fatalf("unexpected result: %#v", out)
	}
}

func TestAgentRejectsDisallowedTool(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			toolCall("call_1", toolx.ToolCargoCompareULDs, `{"total_weight":100,"total_volume":1}`),
		},
	}

	agent, err := New(context.Background(), contractx.SpecialistGeneralInquiry, fake, "general prompt", "", nil, 3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("compare ulds"))
	if err == nil {
		t.Fatal("expected error for disallowed tool")
	}
	if out.Status != contractx.ResultFailed {
		t.Fatalf("expected failed status, got %s", out.Status)
	}
}

func TestAgentToolRoundsAreBounded(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			toolCall("c1", toolx.ToolMathEvaluate, `{"expression":"1+1"}`),
			toolCall("c2", toolx.ToolMathEvaluate, `{"expression":"2+2"}`),
			{Content: `{"message":"The totals are 2 and 4."}`},
		},
	}

	agent, err := New(context.Background(), contractx.SpecialistPatternAnalysis, fake, "pattern prompt", "", nil, 3,
		WithMaxToolRounds(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("add things up"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.UsedRetrieval {
		t.Fatal("math only run should not report retrieval")
	}
	if fake.calls() != 3 {
		t.Fatalf("expected 2 tool rounds + finalize, got %d calls", fake.calls())
	}
}

func TestAgentWithoutToolRoundsSkipsLoop(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			{Content: `{"message":"Direct answer."}`},
		},
	}

	agent, err := New(context.Background(), contractx.SpecialistAdminReport, fake, "report prompt", "", nil, 3,
		WithMaxToolRounds(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := agent.Invoke(context.Background(), bundle("summarize"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.Content != "Direct answer." || fake.calls() != 1 {
		t.Fatalf("unexpected result %#v after %d calls", out, fake.calls())
	}
}

func TestAgentEmptyMessageFails(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{
			{Content: `{"message":"   "}`},
		},
	}

	agent, err := New(context.Background(), contractx.SpecialistAdminReport, fake, "report prompt", "", nil, 3,
		WithMaxToolRounds(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := agent.Invoke(context.Background(), bundle("summarize")); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestAgentModelError(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{err: errors.New("upstream 503")}
	agent, err := New(context.Background(), contractx.SpecialistGeneralInquiry, fake, "general prompt", "", nil, 3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := agent.Invoke(context.Background(), bundle("hi")); err == nil {
		t.Fatal("expected model error")
	}
}

func TestNewRejectsUnknownSpecialist(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "weather", &fakeToolCallingModel{}, "p", "", nil, 3)
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	_, err = New(context.Background(), contractx.SpecialistGeneralInquiry, &fakeToolCallingModel{}, " ", "", nil, 3)
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}
