package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	"github.com/tiger/voice-orchestrator/providers/common/httpadapter"
	"github.com/tiger/voice-orchestrator/providers/common/streamsse"
)

const ProviderID = "llm-anthropic"

type Config struct {
	APIKey           string
	Endpoint         string
	Model            string
	AnthropicVersion string
	MaxTokens        int
	Timeout          time.Duration
}

func ConfigFromEnv() Config {
	maxTokens, _ := strconv.Atoi(os.Getenv("VOX_LLM_ANTHROPIC_MAX_TOKENS"))
	return Config{
		APIKey:           secrets.FromEnv("VOX_LLM_ANTHROPIC_API_KEY", "VOX_LLM_ANTHROPIC_API_KEY_REF", ""),
		Endpoint:         defaultString(os.Getenv("VOX_LLM_ANTHROPIC_ENDPOINT"), "https://api.anthropic.com/v1/messages"),
		Model:            defaultString(os.Getenv("VOX_LLM_ANTHROPIC_MODEL"), "claude-3-5-haiku-latest"),
		AnthropicVersion: defaultString(os.Getenv("VOX_LLM_ANTHROPIC_VERSION"), "2023-06-01"),
		MaxTokens:        maxTokens,
		Timeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = "https://api.anthropic.com/v1/messages"
	}
	if c.AnthropicVersion == "" {
		c.AnthropicVersion = "2023-06-01"
	}
	if c.MaxTokens < 1 {
		c.MaxTokens = 1024
	}
	return c
}

// Adapter streams the Messages API with tool use.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
}

func NewAdapter(cfg Config, logger *zap.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Modality:      contracts.ModalityLLM,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "x-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"anthropic-version": cfg.AnthropicVersion},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func NewAdapterFromEnv(logger *zap.Logger) (*Adapter, error) {
	return NewAdapter(ConfigFromEnv(), logger)
}

func (a *Adapter) ProviderID() string           { return ProviderID }
func (a *Adapter) Modality() contracts.Modality { return contracts.ModalityLLM }

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream"`
}

func (a *Adapter) buildRequest(req contracts.ReasoningRequest) request {
	body := request{
		Model:       defaultString(req.Model, a.cfg.Model),
		System:      req.SystemPrompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if body.MaxTokens < 1 {
		body.MaxTokens = a.cfg.MaxTokens
	}
	for _, msg := range req.Messages {
		m := message{Role: string(msg.Role)}
		if msg.Text != "" {
			m.Content = append(m.Content, contentBlock{Type: "text", Text: msg.Text})
		}
		for _, use := range msg.ToolUses {
			input := use.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			m.Content = append(m.Content, contentBlock{Type: "tool_use", ID: use.ID, Name: use.Name, Input: input})
		}
		for _, out := range msg.ToolOutputs {
			m.Content = append(m.Content, contentBlock{Type: "tool_result", ToolUseID: out.ToolUseID, Content: string(out.Content), IsError: out.IsError})
		}
		if len(m.Content) == 0 {
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	for _, spec := range req.Tools {
		schema := spec.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, tool{Name: spec.Name, Description: spec.Description, InputSchema: schema})
	}
	return body
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage usage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// Stream runs one streaming Messages call. Text deltas are forwarded as they
// arrive; each tool_use block is forwarded once its input JSON is complete.
func (a *Adapter) Stream(ctx context.Context, req contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
	resp, err := a.client.PostJSON(ctx, a.cfg.Endpoint, a.buildRequest(req), map[string]string{"Accept": "text/event-stream"})
	if err != nil {
		return contracts.ReasoningUsage{}, err
	}
	defer resp.Body.Close()
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	var result contracts.ReasoningUsage
	pending := map[int]*pendingToolUse{}
	stopped := false
	err = streamsse.Parse(ctx, resp.Body, func(ev streamsse.Event) error {
		var payload streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return a.client.Error(contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_malformed_stream"}, fmt.Errorf("decode %s event: %w", ev.Event, err))
		}
		switch payload.Type {
		case "message_start":
			result.InputTokens = payload.Message.Usage.InputTokens
			result.OutputTokens = payload.Message.Usage.OutputTokens
		case "content_block_start":
			if payload.ContentBlock.Type == "tool_use" {
				pending[payload.Index] = &pendingToolUse{id: payload.ContentBlock.ID, name: payload.ContentBlock.Name}
			}
		case "content_block_delta":
			switch payload.Delta.Type {
			case "text_delta":
				if payload.Delta.Text != "" {
					return onDelta(contracts.ReasoningDelta{Text: payload.Delta.Text})
				}
			case "input_json_delta":
				if p, ok := pending[payload.Index]; ok {
					p.input.WriteString(payload.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			p, ok := pending[payload.Index]
			if !ok {
				return nil
			}
			delete(pending, payload.Index)
			args := json.RawMessage(p.input.String())
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			if !json.Valid(args) {
				return a.client.Error(contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_malformed_stream"}, fmt.Errorf("tool_use %s: invalid input json", p.id))
			}
			return onDelta(contracts.ReasoningDelta{ToolUse: &contracts.ToolUse{ID: p.id, Name: p.name, Arguments: args}})
		case "message_delta":
			if payload.Delta.StopReason != "" {
				result.StopReason = payload.Delta.StopReason
			}
			if payload.Usage.OutputTokens > 0 {
				result.OutputTokens = payload.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
		case "error":
			return a.client.Error(normalizeStreamError(payload.Error.Type), fmt.Errorf("%s: %s", payload.Error.Type, payload.Error.Message))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, err
	}
	if !stopped {
		return result, a.client.Error(contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_stream_truncated"}, fmt.Errorf("stream ended before message_stop"))
	}
	return result, nil
}

func normalizeStreamError(errType string) contracts.Outcome {
	switch errType {
	case "overloaded_error", "rate_limit_error":
		return contracts.Outcome{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", BackoffMS: 1000}
	case "invalid_request_error", "authentication_error", "permission_error", "not_found_error", "request_too_large":
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_" + errType}
	default:
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error"}
	}
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
