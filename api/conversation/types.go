package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channel identifies how the human participant reached the agent.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelPhone Channel = "phone"
)

// Validate enforces supported channel values.
func (c Channel) Validate() error {
	switch c {
	case ChannelWeb, ChannelPhone:
		return nil
	default:
		return fmt.Errorf("unsupported channel: %q", c)
	}
}

// State is the per-session conversation state.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateActive     State = "ACTIVE"
	StateListening  State = "LISTENING"
	StateSpeaking   State = "SPEAKING"
	StateEnded      State = "ENDED"
	StateAbandoned  State = "ABANDONED"
	StateError      State = "ERROR"
)

// IsTerminal reports whether no transition may leave the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateAbandoned, StateError:
		return true
	default:
		return false
	}
}

// Status is the terminal outcome reported to the session recorder.
type Status string

const (
	StatusEnded     Status = "ENDED"
	StatusAbandoned Status = "ABANDONED"
	StatusError     Status = "ERROR"
)

// StatusForState maps a terminal state to its recorded status.
func StatusForState(s State) (Status, error) {
	switch s {
	case StateEnded:
		return StatusEnded, nil
	case StateAbandoned:
		return StatusAbandoned, nil
	case StateError:
		return StatusError, nil
	default:
		return "", fmt.Errorf("state %s is not terminal", s)
	}
}

// Session is the orchestrator-side view of one live conversation.
type Session struct {
	ID           string       `json:"id"`
	Room         string       `json:"room"`
	Channel      Channel      `json:"channel"`
	Agent        AgentProfile `json:"agent"`
	State        State        `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	Status       Status       `json:"status,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	TotalCost    float64      `json:"total_cost"`
	CallerNumber string       `json:"caller_number,omitempty"`
	CalledNumber string       `json:"called_number,omitempty"`
}

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Finality distinguishes revisable transcript segments from settled ones.
type Finality string

const (
	Partial Finality = "partial"
	Final   Finality = "final"
)

// Utterance is one transcript or response segment within a session.
type Utterance struct {
	Sequence    int64     `json:"sequence"`
	UtteranceID int64     `json:"utterance_id,omitempty"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Finality    Finality  `json:"finality"`
	Confidence  float64   `json:"confidence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ToolCall records one tool invocation inside a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Latency   time.Duration   `json:"latency"`
}

// Failed reports whether the call produced an error result.
func (c ToolCall) Failed() bool {
	return c.Error != ""
}

// TurnOutcome describes how a turn was closed.
type TurnOutcome string

const (
	TurnCompleted   TurnOutcome = "completed"
	TurnInterrupted TurnOutcome = "interrupted"
	TurnFailed      TurnOutcome = "failed"
)

// ConversationTurn is one user-utterance-to-agent-response cycle.
// UserUtterance is nil for agent-initiated turns such as the greeting.
type ConversationTurn struct {
	ID            string      `json:"id"`
	UserUtterance *Utterance  `json:"user_utterance,omitempty"`
	AgentResponse *Utterance  `json:"agent_response,omitempty"`
	ToolCalls     []ToolCall  `json:"tool_calls,omitempty"`
	Outcome       TurnOutcome `json:"outcome"`
	OpenedAt      time.Time   `json:"opened_at"`
	ClosedAt      time.Time   `json:"closed_at"`
}

// Clone returns a deep copy so closed turns can be shared without mutation.
func (t ConversationTurn) Clone() ConversationTurn {
	out := t
	if t.UserUtterance != nil {
		u := *t.UserUtterance
		out.UserUtterance = &u
	}
	if t.AgentResponse != nil {
		a := *t.AgentResponse
		out.AgentResponse = &a
	}
	if len(t.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		copy(out.ToolCalls, t.ToolCalls)
	}
	return out
}

// Stage identifies which pipeline stage consumed billable units.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageReasoning     Stage = "reasoning"
	StageSynthesis     Stage = "synthesis"
	StageTool          Stage = "tool"
)

// Validate enforces supported stage values.
func (s Stage) Validate() error {
	switch s {
	case StageTranscription, StageReasoning, StageSynthesis, StageTool:
		return nil
	default:
		return fmt.Errorf("unsupported usage stage: %q", s)
	}
}

// UsageRecord is one billable unit count for a single successful provider call.
// Units are seconds for transcription, tokens for reasoning, characters for
// synthesis and calls for tools.
type UsageRecord struct {
	Stage        Stage     `json:"stage"`
	ProviderID   string    `json:"provider_id"`
	Units        float64   `json:"units"`
	OutputUnits  float64   `json:"output_units,omitempty"`
	Cost         float64   `json:"cost"`
	CostReported bool      `json:"cost_reported"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Validate enforces usage record invariants.
func (r UsageRecord) Validate() error {
	if err := r.Stage.Validate(); err != nil {
		return err
	}
	if r.Units < 0 || r.OutputUnits < 0 {
		return fmt.Errorf("usage units must be >=0")
	}
	if r.Cost < 0 {
		return fmt.Errorf("usage cost must be >=0")
	}
	return nil
}

// SessionSummary is handed to the recorder exactly once, on terminal transition.
type SessionSummary struct {
	SessionID    string             `json:"session_id"`
	Room         string             `json:"room"`
	Channel      Channel            `json:"channel"`
	AgentName    string             `json:"agent_name"`
	Status       Status             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at"`
	Duration     time.Duration      `json:"duration"`
	TotalCost    float64            `json:"total_cost"`
	Usage        []UsageRecord      `json:"usage,omitempty"`
	Turns        []ConversationTurn `json:"turns,omitempty"`
	CallerNumber string             `json:"caller_number,omitempty"`
	CalledNumber string             `json:"called_number,omitempty"`
}

// Recorder persists session lifecycle records.
type Recorder interface {
	OnSessionStart(ctx context.Context, session Session) error
	OnSessionEnd(ctx context.Context, summary SessionSummary) error
}

// AgentProfile is the per-agent behaviour fixed for the lifetime of a session.
type AgentProfile struct {
	Name         string  `json:"name" yaml:"name"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
	Greeting     string  `json:"greeting,omitempty" yaml:"greeting"`
	LLMModel     string  `json:"llm_model" yaml:"llm_model"`
	STTModel     string  `json:"stt_model" yaml:"stt_model"`
	TTSVoice     string  `json:"tts_voice" yaml:"tts_voice"`
	Locale       string  `json:"locale" yaml:"locale"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
}

// Validate rejects profiles that cannot drive a session.
func (p AgentProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("agent system_prompt is required")
	}
	if strings.TrimSpace(p.LLMModel) == "" || strings.TrimSpace(p.STTModel) == "" || strings.TrimSpace(p.TTSVoice) == "" {
		return fmt.Errorf("agent llm_model, stt_model, and tts_voice are required")
	}
	if !localeLooksValid(p.Locale) {
		return fmt.Errorf("invalid agent locale: %q", p.Locale)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("agent temperature must be within [0,2]")
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("agent max_tokens must be >=1")
	}
	return nil
}

// Language returns the primary language subtag of the locale ("en-US" -> "en").
func (p AgentProfile) Language() string {
	lang, _, _ := strings.Cut(p.Locale, "-")
	return strings.ToLower(lang)
}

func localeLooksValid(locale string) bool {
	if locale == "" {
		return false
	}
	lang, region, hasRegion := strings.Cut(locale, "-")
	if len(lang) < 2 || len(lang) > 3 {
		return false
	}
	if hasRegion && (len(region) < 2 || len(region) > 4) {
		return false
	}
	return true
}
