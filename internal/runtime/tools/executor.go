package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

// ExecutorConfig controls tool execution bounds.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
}

// Executor dispatches tool calls through schema validation, rate limiting
// and a bounded timeout.
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig
	logger   *zap.Logger
	emitter  telemetry.Emitter
	now      func() time.Time
}

// NewExecutor returns an executor over registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *zap.Logger, emitter telemetry.Emitter) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "tools")),
		emitter:  emitter,
		now:      time.Now,
	}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call. The returned ToolCall always carries either a
// result or an error message. A non-nil error is a tool_execution failure,
// or the parent context's cancellation.
func (e *Executor) Execute(ctx context.Context, use contracts.ToolUse) (conversation.ToolCall, error) {
	call := conversation.ToolCall{
		ID:        use.ID,
		Name:      use.Name,
		Arguments: append(json.RawMessage(nil), use.Arguments...),
	}
	if len(bytes.TrimSpace(call.Arguments)) == 0 {
		call.Arguments = json.RawMessage(`{}`)
	}

	ctx, span := telemetry.StartSpan(ctx, "tool.execute", attribute.String("tool.name", use.Name))
	start := e.now()
	result, err := e.execute(ctx, use.Name, call.Arguments)
	call.Latency = e.now().Sub(start)
	telemetry.EndSpan(span, err)
	if !json.Valid(call.Arguments) {
		// keep the record serializable
		call.Arguments, _ = json.Marshal(string(call.Arguments))
	}

	outcome := "success"
	if err != nil {
		outcome = failure.ReasonOf(err)
		if outcome == "" {
			outcome = "canceled"
		}
		call.Error = err.Error()
	} else {
		call.Result = result
	}
	emitter := telemetry.OrDefault(e.emitter)
	correlation := telemetry.Correlation{Component: "tools"}
	emitter.EmitMetric(telemetry.MetricToolCalls, 1, map[string]string{"tool": use.Name, "outcome": outcome}, correlation)
	emitter.EmitMetric(telemetry.MetricToolLatencySeconds, call.Latency.Seconds(), map[string]string{"tool": use.Name}, correlation)

	if err != nil && !failure.IsCanceled(err) {
		e.logger.Warn("tool call failed",
			zap.String("tool", use.Name),
			zap.String("reason", outcome),
			zap.Duration("latency", call.Latency),
			zap.Error(err))
	}
	return call, err
}

func (e *Executor) execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	ent, ok := e.registry.entries[name]
	if !ok {
		return nil, failure.Newf(failure.KindToolExecution, name, failure.ReasonUnknownTool, "unknown tool %q", name)
	}
	if err := validateArgs(ent.schema, args); err != nil {
		return nil, failure.New(failure.KindToolExecution, name, failure.ReasonInvalidArguments, err)
	}
	if ent.limiter != nil && !ent.limiter.Allow() {
		return nil, failure.Newf(failure.KindToolExecution, name, failure.ReasonRateLimited, "rate limit exceeded")
	}

	timeout := e.cfg.DefaultTimeout
	if ent.def.Timeout > 0 {
		timeout = ent.def.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := ent.def.Handler(callCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, failure.New(failure.KindToolExecution, name, failure.ReasonTimeout, out.err)
			}
			return nil, failure.New(failure.KindToolExecution, name, failure.ReasonHandlerFailed, out.err)
		}
		if !json.Valid(out.result) {
			return nil, failure.Newf(failure.KindToolExecution, name, failure.ReasonHandlerFailed, "handler returned invalid JSON")
		}
		return out.result, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.New(failure.KindToolExecution, name, failure.ReasonTimeout,
			fmt.Errorf("exceeded %s", timeout))
	}
}

// Output converts a finished call into the tool result fed back to the model.
// Failures become an error payload so the model can recover conversationally.
func Output(call conversation.ToolCall) contracts.ToolOutput {
	if call.Failed() {
		payload, _ := json.Marshal(map[string]string{"error": call.Error})
		return contracts.ToolOutput{ToolUseID: call.ID, Content: payload, IsError: true}
	}
	return contracts.ToolOutput{ToolUseID: call.ID, Content: append(json.RawMessage(nil), call.Result...)}
}
