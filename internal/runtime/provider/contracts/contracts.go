package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Modality defines provider families supported by runtime invocation.
type Modality string

const (
	ModalitySTT Modality = "stt"
	ModalityLLM Modality = "llm"
	ModalityTTS Modality = "tts"
)

// Validate enforces supported provider modality values.
func (m Modality) Validate() error {
	switch m {
	case ModalitySTT, ModalityLLM, ModalityTTS:
		return nil
	default:
		return fmt.Errorf("unsupported modality: %q", m)
	}
}

// OutcomeClass is the normalized invocation-outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess               OutcomeClass = "success"
	OutcomeTimeout               OutcomeClass = "timeout"
	OutcomeOverload              OutcomeClass = "overload"
	OutcomeBlocked               OutcomeClass = "blocked"
	OutcomeInfrastructureFailure OutcomeClass = "infrastructure_failure"
	OutcomeCancelled             OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeOverload, OutcomeBlocked, OutcomeInfrastructureFailure, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Outcome is an adapter-normalized invocation result.
type Outcome struct {
	Class            OutcomeClass
	Retryable        bool
	Reason           string
	BackoffMS        int64
	OutputStatusCode int
}

// Validate enforces normalized outcome invariants.
func (o Outcome) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outcomes")
	}
	if o.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >=0")
	}
	if o.Retryable && (o.Class == OutcomeSuccess || o.Class == OutcomeCancelled) {
		return fmt.Errorf("outcome class %s cannot be retryable", o.Class)
	}
	return nil
}

// ProviderError carries a normalized outcome for a failed provider call.
type ProviderError struct {
	ProviderID string
	Modality   Modality
	Outcome    Outcome
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider %s: %s (%s)", e.Modality, e.ProviderID, e.Outcome.Class, e.Outcome.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err with a normalized outcome.
func NewProviderError(providerID string, modality Modality, outcome Outcome, err error) *ProviderError {
	return &ProviderError{ProviderID: providerID, Modality: modality, Outcome: outcome, Err: err}
}

// OutcomeOf extracts the normalized outcome of err. Context errors map to
// cancelled/timeout; anything unclassified is a retryable infrastructure failure.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Class: OutcomeSuccess}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Outcome
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Class: OutcomeCancelled, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Class: OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	return Outcome{Class: OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_error"}
}

// Provider is the identity shared by every adapter.
type Provider interface {
	ProviderID() string
	Modality() Modality
}

// TranscriptionConfig configures one streaming recognition connection.
type TranscriptionConfig struct {
	Model        string
	Language     string
	SampleRateHz int
}

// TranscriptResult is one recognizer hypothesis for the current segment.
type TranscriptResult struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Start      time.Duration
	Duration   time.Duration
}

// TranscriptionStream is one open recognition connection.
type TranscriptionStream interface {
	// SendAudio forwards one PCM frame to the recognizer.
	SendAudio(frame []byte) error
	// Results yields hypotheses in provider order and is closed when the stream ends.
	Results() <-chan TranscriptResult
	// Err reports why Results was closed; nil after a clean Close.
	Err() error
	// Close ends the stream and releases the connection.
	Close() error
}

// TranscriptionProvider opens streaming recognition connections. ctx bounds
// connection establishment only; the stream lives until Close.
type TranscriptionProvider interface {
	Provider
	Open(ctx context.Context, cfg TranscriptionConfig) (TranscriptionStream, error)
}

// Role identifies the author of a reasoning message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolSpec is the model-facing declaration of one tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolUse is a model request to invoke a tool.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput is the result of a tool invocation fed back to the model.
type ToolOutput struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Message is one entry of the reasoning context. A message carries text,
// tool uses (assistant) or tool outputs (user), in that order.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolOutputs []ToolOutput `json:"tool_outputs,omitempty"`
}

// ReasoningRequest is one language-model invocation.
type ReasoningRequest struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Messages     []Message
	Tools        []ToolSpec
}

// ReasoningDelta is one streamed increment. Exactly one field is set.
type ReasoningDelta struct {
	Text    string
	ToolUse *ToolUse
}

// ReasoningUsage reports billable units of one completed invocation.
type ReasoningUsage struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
	CostUSD      float64
	CostReported bool
}

// ReasoningProvider streams language-model output. The callback is invoked
// in order; returning an error from it aborts the stream.
type ReasoningProvider interface {
	Provider
	Stream(ctx context.Context, req ReasoningRequest, onDelta func(ReasoningDelta) error) (ReasoningUsage, error)
}

// SynthesisRequest is one text-to-speech invocation.
type SynthesisRequest struct {
	Text         string
	VoiceID      string
	Locale       string
	SampleRateHz int
}

// SynthesisUsage reports billable units of one completed synthesis.
type SynthesisUsage struct {
	Characters   int
	CostUSD      float64
	CostReported bool
}

// SynthesisProvider streams synthesized PCM. Chunks have arbitrary sizes;
// returning an error from the callback aborts the stream.
type SynthesisProvider interface {
	Provider
	Synthesize(ctx context.Context, req SynthesisRequest, onAudio func([]byte) error) (SynthesisUsage, error)
}
