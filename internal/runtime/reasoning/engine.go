// Package reasoning runs the language-model loop of one turn: stream a
// response, execute requested tools, feed their results back, and stop at a
// text response or the configured tool-call depth.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
)

// Config bounds the reasoning loop.
type Config struct {
	MaxToolDepth    int
	MaxHistoryTurns int
}

func (c Config) withDefaults() Config {
	if c.MaxToolDepth < 1 {
		c.MaxToolDepth = 3
	}
	if c.MaxHistoryTurns < 1 {
		c.MaxHistoryTurns = 20
	}
	return c
}

// UsageSink receives one record per successful provider call.
type UsageSink interface {
	Append(conversation.UsageRecord) (conversation.UsageRecord, error)
}

// ResponseKind distinguishes the two step outcomes.
type ResponseKind string

const (
	TextResponse    ResponseKind = "text"
	ToolCallRequest ResponseKind = "tool_call"
)

// Response is the outcome of one model invocation.
type Response struct {
	Kind     ResponseKind
	Text     string
	ToolUses []contracts.ToolUse
}

// Request carries everything one turn needs.
type Request struct {
	SessionID string
	TurnID    string
	Agent     conversation.AgentProfile
	History   []conversation.ConversationTurn
	Utterance conversation.Utterance
	Usage     UsageSink
}

// Result summarizes a completed Respond loop.
type Result struct {
	Text      string
	ToolCalls []conversation.ToolCall
	Steps     int
	// EndSession is set when the model invoked a session-ending tool.
	EndSession bool
}

// Engine wraps a streaming reasoning provider and the tool executor.
type Engine struct {
	provider contracts.ReasoningProvider
	executor *tools.Executor
	invoker  *invocation.Controller
	cfg      Config
	logger   *zap.Logger
}

// NewEngine builds an engine. executor may be nil when no tools are offered.
func NewEngine(provider contracts.ReasoningProvider, executor *tools.Executor, invoker *invocation.Controller, cfg Config, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("reasoning provider is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invocation controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		provider: provider,
		executor: executor,
		invoker:  invoker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "reasoning")),
	}, nil
}

// Config returns the effective loop bounds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Respond runs the loop for one final utterance. Text is forwarded to onText
// as it streams; onText is never called after ctx is cancelled. Tool
// failures are fed back to the model. Exceeding the tool depth is a
// reasoning failure.
func (e *Engine) Respond(ctx context.Context, req Request, onText func(string) error) (Result, error) {
	messages := HistoryMessages(req.History, e.cfg.MaxHistoryTurns)
	messages = appendText(messages, contracts.RoleUser, req.Utterance.Text)

	var result Result
	var text strings.Builder
	for depth := 0; ; depth++ {
		resp, err := e.Step(ctx, req, messages, onText)
		result.Steps++
		if err != nil {
			result.Text = text.String()
			return result, err
		}
		text.WriteString(resp.Text)
		if resp.Kind == TextResponse {
			result.Text = text.String()
			return result, nil
		}
		if depth >= e.cfg.MaxToolDepth {
			result.Text = text.String()
			return result, failure.Newf(failure.KindReasoning, "respond", failure.ReasonMaxToolDepth,
				"depth %d > %d", depth+1, e.cfg.MaxToolDepth)
		}

		messages = append(messages, contracts.Message{Role: contracts.RoleAssistant, Text: resp.Text, ToolUses: resp.ToolUses})
		outputs := make([]contracts.ToolOutput, 0, len(resp.ToolUses))
		for _, use := range resp.ToolUses {
			call, err := e.executeTool(ctx, use)
			if err != nil && failure.IsCanceled(err) {
				result.Text = text.String()
				return result, err
			}
			result.ToolCalls = append(result.ToolCalls, call)
			if !call.Failed() && e.endsSession(use.Name) {
				result.EndSession = true
			}
			outputs = append(outputs, tools.Output(call))
		}
		messages = append(messages, contracts.Message{Role: contracts.RoleUser, ToolOutputs: outputs})
	}
}

// Step performs one model invocation over messages and reports either the
// streamed text or the requested tool calls.
func (e *Engine) Step(ctx context.Context, req Request, messages []contracts.Message, onText func(string) error) (Response, error) {
	var specs []contracts.ToolSpec
	if e.executor != nil {
		specs = e.executor.Registry().Specs()
	}
	providerReq := contracts.ReasoningRequest{
		Model:        req.Agent.LLMModel,
		SystemPrompt: req.Agent.SystemPrompt,
		Temperature:  req.Agent.Temperature,
		MaxTokens:    req.Agent.MaxTokens,
		Messages:     messages,
		Tools:        specs,
	}

	ctx, span := telemetry.StartSpan(ctx, "reasoning.step",
		attribute.String("session.id", req.SessionID),
		attribute.String("turn.id", req.TurnID),
		attribute.String("llm.model", req.Agent.LLMModel))

	var resp Response
	var usage contracts.ReasoningUsage
	// billed is set once an attempt delivered output or finished
	billed := false
	call := invocation.Call{ProviderID: e.provider.ProviderID(), Modality: contracts.ModalityLLM, SessionID: req.SessionID, TurnID: req.TurnID}
	invokeResult, err := e.invoker.Do(ctx, call, func(attemptCtx context.Context, _ int) error {
		var text strings.Builder
		var uses []contracts.ToolUse
		forwarded := false
		u, err := e.provider.Stream(attemptCtx, providerReq, func(delta contracts.ReasoningDelta) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if delta.ToolUse != nil {
				uses = append(uses, *delta.ToolUse)
				return nil
			}
			if delta.Text == "" {
				return nil
			}
			text.WriteString(delta.Text)
			forwarded = true
			if onText != nil {
				return onText(delta.Text)
			}
			return nil
		})
		if err != nil {
			if forwarded {
				usage, billed = u, true
				return invocation.Committed(err)
			}
			return err
		}
		usage, billed = u, true
		resp = Response{Kind: TextResponse, Text: text.String()}
		if len(uses) > 0 {
			resp.Kind = ToolCallRequest
			resp.ToolUses = uses
		}
		return nil
	})
	if billed {
		e.recordUsage(req, usage)
	}
	if err != nil {
		telemetry.EndSpan(span, err)
		if failure.IsCanceled(err) {
			return Response{}, err
		}
		return Response{}, failure.New(failure.KindReasoning, "step", invokeResult.FailureReason(), err)
	}
	telemetry.EndSpan(span, nil)
	return resp, nil
}

// recordUsage appends the tokens the provider reported for one step.
func (e *Engine) recordUsage(req Request, usage contracts.ReasoningUsage) {
	if req.Usage == nil {
		return
	}
	if _, err := req.Usage.Append(conversation.UsageRecord{
		Stage:        conversation.StageReasoning,
		ProviderID:   e.provider.ProviderID(),
		Units:        float64(usage.InputTokens),
		OutputUnits:  float64(usage.OutputTokens),
		Cost:         usage.CostUSD,
		CostReported: usage.CostReported,
	}); err != nil {
		e.logger.Warn("usage record rejected", zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func (e *Engine) executeTool(ctx context.Context, use contracts.ToolUse) (conversation.ToolCall, error) {
	if e.executor == nil {
		call := conversation.ToolCall{ID: use.ID, Name: use.Name, Arguments: use.Arguments, Error: fmt.Sprintf("unknown tool %q", use.Name)}
		return call, failure.Newf(failure.KindToolExecution, use.Name, failure.ReasonUnknownTool, "no tools registered")
	}
	return e.executor.Execute(ctx, use)
}

func (e *Engine) endsSession(name string) bool {
	if e.executor == nil {
		return false
	}
	def, ok := e.executor.Registry().Lookup(name)
	return ok && def.EndsSession
}

// HistoryMessages converts the most recent closed turns into alternating
// reasoning messages. Consecutive messages from the same role are merged.
func HistoryMessages(turns []conversation.ConversationTurn, maxTurns int) []contracts.Message {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]contracts.Message, 0, len(turns)*2)
	for _, turn := range turns {
		if turn.UserUtterance != nil {
			out = appendText(out, contracts.RoleUser, turn.UserUtterance.Text)
		}
		if turn.AgentResponse != nil {
			out = appendText(out, contracts.RoleAssistant, turn.AgentResponse.Text)
		}
	}
	return out
}

func appendText(out []contracts.Message, role contracts.Role, text string) []contracts.Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Role == role && len(out[n-1].ToolUses) == 0 && len(out[n-1].ToolOutputs) == 0 {
		out[n-1].Text += "\n" + text
		return out
	}
	return append(out, contracts.Message{Role: role, Text: text})
}
