package telemetry

import (
	"strings"
	"sync/atomic"
)

const (
	// MetricSessionsStarted counts sessions that reached ACTIVE or failed to.
	MetricSessionsStarted = "sessions_started_total"
	// MetricSessionsEnded counts terminal transitions by status.
	MetricSessionsEnded = "sessions_ended_total"
	// MetricSessionDurationSeconds observes session wall-clock duration.
	MetricSessionDurationSeconds = "session_duration_seconds"
	// MetricSessionCostUSD observes the total cost handed to the recorder.
	MetricSessionCostUSD = "session_cost_usd"
	// MetricStateTransitions counts applied state-machine transitions.
	MetricStateTransitions = "state_transitions_total"
	// MetricBargeIns counts accepted barge-in interruptions.
	MetricBargeIns = "barge_ins_total"
	// MetricProviderAttempts counts provider attempts by outcome.
	MetricProviderAttempts = "provider_attempts_total"
	// MetricProviderLatencySeconds observes provider attempt latency.
	MetricProviderLatencySeconds = "provider_latency_seconds"
	// MetricToolCalls counts tool executions by outcome.
	MetricToolCalls = "tool_calls_total"
	// MetricToolLatencySeconds observes tool execution latency.
	MetricToolLatencySeconds = "tool_latency_seconds"
)

// Correlation carries the identifiers shared by every emission of a session.
type Correlation struct {
	SessionID string
	TurnID    string
	Component string
}

// Emitter records runtime metrics. Implementations must not block.
type Emitter interface {
	EmitMetric(name string, value float64, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, map[string]string, Correlation) {}

type emitterHolder struct {
	emitter Emitter
}

var globalEmitter atomic.Value

func init() {
	globalEmitter.Store(emitterHolder{emitter: noopEmitter{}})
}

// SetDefaultEmitter replaces the process-local default emitter.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	globalEmitter.Store(emitterHolder{emitter: emitter})
}

// DefaultEmitter returns the process-local default emitter.
func DefaultEmitter() Emitter {
	holder, ok := globalEmitter.Load().(emitterHolder)
	if !ok || holder.emitter == nil {
		return noopEmitter{}
	}
	return holder.emitter
}

// OrDefault returns e, or the process default when e is nil.
func OrDefault(e Emitter) Emitter {
	if e == nil {
		return DefaultEmitter()
	}
	return e
}

func cloneAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
