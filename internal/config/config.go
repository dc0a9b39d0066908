// Package config holds the voxd process configuration. Values are layered:
// built-in defaults, then an optional YAML file, then VOX_* environment
// variables derived from the YAML keys (session.budget.max_duration is read
// from VOX_SESSION_BUDGET_MAX_DURATION).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/recorder"
	"github.com/tiger/voice-orchestrator/internal/runtime/budget"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/bootstrap"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
	"github.com/tiger/voice-orchestrator/internal/runtime/reasoning"
	"github.com/tiger/voice-orchestrator/internal/runtime/session"
	"github.com/tiger/voice-orchestrator/internal/runtime/synthesis"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/internal/runtime/transcription"
	"github.com/tiger/voice-orchestrator/internal/runtime/turnarbiter"
	"github.com/tiger/voice-orchestrator/internal/runtime/usage"
	"github.com/tiger/voice-orchestrator/tools/builtin"
	"github.com/tiger/voice-orchestrator/transports/websocket"
)

// Config is the complete process configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       LogConfig                 `yaml:"log"`
	Tracing   telemetry.TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Agent     conversation.AgentProfile `yaml:"agent"`
	Session   SessionConfig             `yaml:"session"`
	Pricing   usage.Pricing             `yaml:"pricing"`
	Providers bootstrap.Config          `yaml:"providers"`
	Recorder  recorder.Config           `yaml:"recorder"`
	Tools     builtin.Config            `yaml:"tools"`
	Transport websocket.Config          `yaml:"transport"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         bool          `yaml:"jitter"`
}

// SessionConfig tunes every session of the process.
type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	BudgetInterval  time.Duration `yaml:"budget_interval"`
	FallbackMessage string        `yaml:"fallback_message"`
	SampleRateHz    int           `yaml:"sample_rate_hz"`
	QueueSize       int           `yaml:"queue_size"`
	RecordTimeout   time.Duration `yaml:"record_timeout"`
	MinSegmentRunes int           `yaml:"min_segment_runes"`
	MaxSegmentRunes int           `yaml:"max_segment_runes"`
	MaxHistoryTurns int           `yaml:"max_history_turns"`
	MaxToolDepth    int           `yaml:"max_tool_depth"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	// MaxReconnects bounds transcription reconnects without a result.
	MaxReconnects int `yaml:"max_reconnects"`
	// Pace releases synthesized audio no faster than real time.
	Pace    bool               `yaml:"pace"`
	Budget  budget.Spec        `yaml:"budget"`
	BargeIn turnarbiter.Config `yaml:"barge_in"`
	Retry   RetryConfig        `yaml:"retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Tracing: telemetry.TracingConfig{ServiceName: "voxd", SampleRatio: 1},
		Metrics: MetricsConfig{Enabled: true, Namespace: "vox"},
		Agent: conversation.AgentProfile{
			Name:         "assistant",
			SystemPrompt: "You are a friendly voice assistant. Answer in one or two short spoken sentences. Never use markdown, lists, or emoji.",
			Greeting:     "Hi there! How can I help you today?",
			LLMModel:     "claude-3-5-haiku-latest",
			STTModel:     "nova-2",
			TTSVoice:     "Joanna",
			Locale:       "en-US",
			Temperature:  0.7,
			MaxTokens:    512,
		},
		Session: SessionConfig{
			ConnectTimeout:  10 * time.Second,
			BudgetInterval:  time.Second,
			FallbackMessage: "Sorry, I'm having trouble right now. Could you say that again?",
			SampleRateHz:    16000,
			QueueSize:       256,
			RecordTimeout:   5 * time.Second,
			MinSegmentRunes: 12,
			MaxSegmentRunes: 200,
			MaxHistoryTurns: 20,
			MaxToolDepth:    3,
			ToolTimeout:     10 * time.Second,
			MaxReconnects:   3,
			Pace:            true,
			Budget: budget.Spec{
				WarnAfter:   25 * time.Minute,
				MaxDuration: 30 * time.Minute,
			},
			BargeIn: turnarbiter.Config{
				MinConfidence: 0.6,
				MinDuration:   300 * time.Millisecond,
				MinWords:      2,
			},
			Retry: RetryConfig{
				MaxAttempts:    3,
				AttemptTimeout: 15 * time.Second,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2,
				Jitter:         true,
			},
		},
		Pricing:  usage.DefaultPricing(),
		Recorder: recorder.Config{Drivers: []string{recorder.DriverLog}},
		Tools:    builtin.Config{Enabled: builtin.Names()},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server", errors.New("addr is required"))
	}
	if c.Server.ReadHeaderTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server", errors.New("timeouts must be >=0"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log", fmt.Errorf("unsupported format %q", c.Log.Format))
	}
	add("tracing", c.Tracing.Validate())
	add("agent", c.Agent.Validate())
	add("session", c.Session.validate())
	add("pricing", c.Pricing.Validate())
	add("providers", c.Providers.Validate())
	add("recorder", c.Recorder.Validate())
	add("tools", c.Tools.Validate())
	add("transport", c.Transport.Validate())
	if c.Transport.SampleRateHz > 0 && c.Transport.SampleRateHz != c.Session.SampleRateHz {
		add("transport", fmt.Errorf("sample_rate_hz %d differs from session sample_rate_hz %d", c.Transport.SampleRateHz, c.Session.SampleRateHz))
	}
	return errors.Join(errs...)
}

func (s SessionConfig) validate() error {
	if s.ConnectTimeout < 0 || s.BudgetInterval < 0 || s.RecordTimeout < 0 || s.ToolTimeout < 0 {
		return errors.New("timeouts must be >=0")
	}
	switch s.SampleRateHz {
	case 8000, 16000:
	default:
		return fmt.Errorf("unsupported sample_rate_hz %d", s.SampleRateHz)
	}
	if s.QueueSize < 1 {
		return errors.New("queue_size must be >=1")
	}
	if s.MaxHistoryTurns < 1 || s.MaxToolDepth < 1 {
		return errors.New("max_history_turns and max_tool_depth must be >=1")
	}
	if strings.TrimSpace(s.FallbackMessage) == "" {
		return errors.New("fallback_message is required")
	}
	if s.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >=1")
	}
	if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >=1")
	}
	if err := s.Budget.Validate(); err != nil {
		return err
	}
	return s.BargeIn.Validate()
}

// SessionRuntime maps the session section onto session.Config.
func (c *Config) SessionRuntime() session.Config {
	s := c.Session
	return session.Config{
		ConnectTimeout:  s.ConnectTimeout,
		BudgetInterval:  s.BudgetInterval,
		Budget:          s.Budget,
		BargeIn:         s.BargeIn,
		FallbackMessage: s.FallbackMessage,
		SampleRateHz:    s.SampleRateHz,
		QueueSize:       s.QueueSize,
		RecordTimeout:   s.RecordTimeout,
		MinSegmentRunes: s.MinSegmentRunes,
		MaxSegmentRunes: s.MaxSegmentRunes,
	}
}

func (c *Config) Reasoning() reasoning.Config {
	return reasoning.Config{MaxToolDepth: c.Session.MaxToolDepth, MaxHistoryTurns: c.Session.MaxHistoryTurns}
}

func (c *Config) Invocation() invocation.Config {
	r := c.Session.Retry
	return invocation.Config{
		MaxAttempts:    r.MaxAttempts,
		AttemptTimeout: r.AttemptTimeout,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
	}
}

func (c *Config) ToolExecutor() tools.ExecutorConfig {
	return tools.ExecutorConfig{DefaultTimeout: c.Session.ToolTimeout}
}

func (c *Config) Transcription() transcription.Config {
	return transcription.Config{MaxReconnects: c.Session.MaxReconnects, AudioBuffer: c.Session.QueueSize}
}

func (c *Config) Synthesis() synthesis.Config {
	return synthesis.Config{SampleRateHz: c.Session.SampleRateHz, Pace: c.Session.Pace}
}

// MediaTransport returns the transport section aligned with the session sample rate.
func (c *Config) MediaTransport() websocket.Config {
	t := c.Transport
	if t.SampleRateHz <= 0 {
		t.SampleRateHz = c.Session.SampleRateHz
	}
	return t
}
