package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/internal/runtime/usage"
)

type stepFunc func(ctx context.Context, req contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error)

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []stepFunc
	fallback stepFunc
	requests []contracts.ReasoningRequest
}

func (p *scriptedProvider) ProviderID() string           { return "llm-scripted" }
func (p *scriptedProvider) Modality() contracts.Modality { return contracts.ModalityLLM }

func (p *scriptedProvider) Stream(ctx context.Context, req contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var step stepFunc
	if len(p.steps) > 0 {
		step, p.steps = p.steps[0], p.steps[1:]
	} else {
		step = p.fallback
	}
	p.mu.Unlock()
	return step(ctx, req, onDelta)
}

func textStep(chunks ...string) stepFunc {
	return func(ctx context.Context, _ contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		for _, c := range chunks {
			if err := onDelta(contracts.ReasoningDelta{Text: c}); err != nil {
				return contracts.ReasoningUsage{}, err
			}
		}
		return contracts.ReasoningUsage{InputTokens: 100, OutputTokens: 10}, nil
	}
}

func toolStep(id, name, args string) stepFunc {
	return func(ctx context.Context, _ contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		err := onDelta(contracts.ReasoningDelta{ToolUse: &contracts.ToolUse{ID: id, Name: name, Arguments: json.RawMessage(args)}})
		return contracts.ReasoningUsage{InputTokens: 50, OutputTokens: 5}, err
	}
}

func multiplyTool() tools.Definition {
	return tools.Definition{
		Name:        "calculate",
		Description: "Evaluate arithmetic",
		Schema:      json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Expression != "25*4" {
				return nil, errors.New("unsupported expression")
			}
			return json.RawMessage(`{"result":"100"}`), nil
		},
	}
}

func newEngine(t require.TestingT, provider contracts.ReasoningProvider, cfg Config, defs ...tools.Definition) *Engine {
	reg, err := tools.NewRegistry(defs...)
	require.NoError(t, err)
	invoker := invocation.NewController(invocation.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil, nil)
	engine, err := NewEngine(provider, tools.NewExecutor(reg, tools.ExecutorConfig{}, nil, nil), invoker, cfg, nil)
	require.NoError(t, err)
	return engine
}

func request(text string, ledger *usage.Ledger) Request {
	req := Request{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Agent:     conversation.AgentProfile{Name: "assistant", SystemPrompt: "be brief", LLMModel: "model"},
		Utterance: conversation.Utterance{Speaker: conversation.SpeakerUser, Text: text, Finality: conversation.Final},
	}
	if ledger != nil {
		req.Usage = ledger
	}
	return req
}

func TestRespondStreamsText(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []stepFunc{textStep("Hello", " there.")}}
	engine := newEngine(t, provider, Config{})
	ledger := usage.NewLedger(usage.Pricing{ReasoningInputPerMillionUSD: 1e6})

	var streamed []string
	result, err := engine.Respond(context.Background(), request("hi", ledger), func(s string) error {
		streamed = append(streamed, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", result.Text)
	assert.Equal(t, []string{"Hello", " there."}, streamed)
	assert.Equal(t, 1, result.Steps)
	require.Len(t, ledger.Records(), 1)
	assert.InDelta(t, 100.0, ledger.Total(), 1e-9)

	require.Len(t, provider.requests, 1)
	assert.Equal(t, "be brief", provider.requests[0].SystemPrompt)
	require.Len(t, provider.requests[0].Tools, 0)
}

func TestRespondRunsToolLoop(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []stepFunc{
		toolStep("tu-1", "calculate", `{"expression":"25*4"}`),
		textStep("The result is 100"),
	}}
	engine := newEngine(t, provider, Config{MaxToolDepth: 3}, multiplyTool())
	ledger := usage.NewLedger(usage.Pricing{})

	result, err := engine.Respond(context.Background(), request("What's 25 times 4?", ledger), nil)
	require.NoError(t, err)
	assert.Equal(t, "The result is 100", result.Text)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "calculate", result.ToolCalls[0].Name)
	assert.JSONEq(t, `{"result":"100"}`, string(result.ToolCalls[0].Result))
	assert.Len(t, ledger.Records(), 2)

	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, contracts.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolUses, 1)
	require.Len(t, second[2].ToolOutputs, 1)
	assert.Equal(t, "tu-1", second[2].ToolOutputs[0].ToolUseID)
	assert.False(t, second[2].ToolOutputs[0].IsError)
	assert.Len(t, provider.requests[1].Tools, 1)
}

func TestRespondFeedsToolFailureBack(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []stepFunc{
		toolStep("tu-1", "calculate", `{"expression":"2^8"}`),
		textStep("Sorry, I can't compute that."),
	}}
	engine := newEngine(t, provider, Config{}, multiplyTool())

	result, err := engine.Respond(context.Background(), request("two to the eight", nil), nil)
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.True(t, result.ToolCalls[0].Failed())
	outputs := provider.requests[1].Messages[2].ToolOutputs
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].IsError)
	assert.Contains(t, string(outputs[0].Content), "unsupported expression")
}

func TestRespondMaxToolDepth(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{fallback: toolStep("tu", "calculate", `{"expression":"25*4"}`)}
	engine := newEngine(t, provider, Config{MaxToolDepth: 2}, multiplyTool())

	result, err := engine.Respond(context.Background(), request("loop forever", nil), nil)
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindReasoning))
	assert.Equal(t, failure.ReasonMaxToolDepth, failure.ReasonOf(err))
	assert.Equal(t, 3, result.Steps)
	assert.Len(t, result.ToolCalls, 2)
}

func TestRespondRetriesBeforeFirstOutput(t *testing.T) {
	t.Parallel()

	flaky := func(ctx context.Context, _ contracts.ReasoningRequest, _ func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		return contracts.ReasoningUsage{}, contracts.NewProviderError("llm-scripted", contracts.ModalityLLM,
			contracts.Outcome{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload"}, errors.New("529"))
	}
	provider := &scriptedProvider{steps: []stepFunc{flaky, textStep("ok")}}
	engine := newEngine(t, provider, Config{})
	ledger := usage.NewLedger(usage.Pricing{})

	result, err := engine.Respond(context.Background(), request("hi", ledger), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Len(t, provider.requests, 2)
	assert.Len(t, ledger.Records(), 1, "a retried call yields exactly one usage record")
}

func TestRespondDoesNotRetryAfterOutput(t *testing.T) {
	t.Parallel()

	broken := func(ctx context.Context, _ contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		_ = onDelta(contracts.ReasoningDelta{Text: "Half a sen"})
		return contracts.ReasoningUsage{InputTokens: 40, OutputTokens: 3}, errors.New("stream reset")
	}
	provider := &scriptedProvider{steps: []stepFunc{broken, textStep("never")}}
	engine := newEngine(t, provider, Config{})
	ledger := usage.NewLedger(usage.Pricing{})

	_, err := engine.Respond(context.Background(), request("hi", ledger), nil)
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindReasoning))
	assert.Equal(t, failure.ReasonNonRetryable, failure.ReasonOf(err))
	assert.Len(t, provider.requests, 1)

	records := ledger.Records()
	require.Len(t, records, 1, "a failed call that streamed text is still billed")
	assert.Equal(t, 40.0, records[0].Units)
	assert.Equal(t, 3.0, records[0].OutputUnits)
}

func TestRespondStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	streaming := func(sctx context.Context, _ contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		for i := 0; i < 100; i++ {
			if i == 3 {
				cancel()
			}
			if err := onDelta(contracts.ReasoningDelta{Text: "tok "}); err != nil {
				return contracts.ReasoningUsage{InputTokens: 20, OutputTokens: i}, err
			}
		}
		return contracts.ReasoningUsage{}, nil
	}
	provider := &scriptedProvider{steps: []stepFunc{streaming}}
	engine := newEngine(t, provider, Config{})
	ledger := usage.NewLedger(usage.Pricing{})

	received := 0
	_, err := engine.Respond(ctx, request("hi", ledger), func(string) error {
		received++
		return nil
	})
	assert.True(t, failure.IsCanceled(err))
	assert.Equal(t, 3, received)
	records := ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, conversation.StageReasoning, records[0].Stage)
	assert.Equal(t, 20.0, records[0].Units)
	assert.Equal(t, 3.0, records[0].OutputUnits)
}

func TestRespondReportsSessionEndingTool(t *testing.T) {
	t.Parallel()

	endCall := tools.Definition{
		Name:        "end_call",
		EndsSession: true,
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ending":true}`), nil
		},
	}
	provider := &scriptedProvider{steps: []stepFunc{toolStep("tu-1", "end_call", `{}`), textStep("Goodbye!")}}
	engine := newEngine(t, provider, Config{}, endCall)

	result, err := engine.Respond(context.Background(), request("bye", nil), nil)
	require.NoError(t, err)
	assert.True(t, result.EndSession)
	assert.Equal(t, "Goodbye!", result.Text)
}

func TestHistoryMessages(t *testing.T) {
	t.Parallel()

	turns := []conversation.ConversationTurn{
		{ID: "greeting", AgentResponse: &conversation.Utterance{Text: "Hi, how can I help?"}},
		{ID: "t1", UserUtterance: &conversation.Utterance{Text: "weather"}, AgentResponse: &conversation.Utterance{Text: "Where?"}},
		{ID: "t2", UserUtterance: &conversation.Utterance{Text: "Paris"}, Outcome: conversation.TurnInterrupted},
		{ID: "t3", UserUtterance: &conversation.Utterance{Text: "I mean Lyon"}, AgentResponse: &conversation.Utterance{Text: "Sunny in Lyon."}},
	}
	msgs := HistoryMessages(turns, 10)
	require.Len(t, msgs, 5)
	assert.Equal(t, contracts.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Paris\nI mean Lyon", msgs[3].Text)

	bounded := HistoryMessages(turns, 1)
	require.Len(t, bounded, 2)
	assert.Equal(t, "I mean Lyon", bounded[0].Text)
}

func TestRespondAlwaysTerminates(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		maxDepth := rapid.IntRange(1, 5).Draw(t, "max_depth")
		toolRounds := rapid.IntRange(0, 8).Draw(t, "tool_rounds")

		steps := make([]stepFunc, 0, toolRounds+1)
		for i := 0; i < toolRounds; i++ {
			steps = append(steps, toolStep("tu", "calculate", `{"expression":"25*4"}`))
		}
		steps = append(steps, textStep("done"))
		provider := &scriptedProvider{steps: steps}
		engine := newEngine(t, provider, Config{MaxToolDepth: maxDepth}, multiplyTool())

		result, err := engine.Respond(context.Background(), request("go", nil), nil)
		if toolRounds > maxDepth {
			if failure.ReasonOf(err) != failure.ReasonMaxToolDepth {
				t.Fatalf("expected max depth error, got %v", err)
			}
			if result.Steps != maxDepth+1 {
				t.Fatalf("expected %d steps, got %d", maxDepth+1, result.Steps)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Steps != toolRounds+1 || len(result.ToolCalls) != toolRounds {
			t.Fatalf("unexpected result %+v", result)
		}
	})
}
