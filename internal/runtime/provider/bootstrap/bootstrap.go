package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/registry"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	llmanthropic "github.com/tiger/voice-orchestrator/providers/llm/anthropic"
	sttdeepgram "github.com/tiger/voice-orchestrator/providers/stt/deepgram"
	ttselevenlabs "github.com/tiger/voice-orchestrator/providers/tts/elevenlabs"
	ttspolly "github.com/tiger/voice-orchestrator/providers/tts/polly"
)

// Vendor names accepted in Config.
const (
	Deepgram   = "deepgram"
	Anthropic  = "anthropic"
	Polly      = "polly"
	ElevenLabs = "elevenlabs"
)

type DeepgramConfig struct {
	APIKey   secrets.Credential `yaml:"api_key"`
	Endpoint string             `yaml:"endpoint"`
	Model    string             `yaml:"model"`
	Language string             `yaml:"language"`
	Timeout  time.Duration      `yaml:"timeout"`
}

type AnthropicConfig struct {
	APIKey    secrets.Credential `yaml:"api_key"`
	Endpoint  string             `yaml:"endpoint"`
	Model     string             `yaml:"model"`
	Version   string             `yaml:"version"`
	MaxTokens int                `yaml:"max_tokens"`
	Timeout   time.Duration      `yaml:"timeout"`
}

type PollyConfig struct {
	Region  string        `yaml:"region"`
	VoiceID string        `yaml:"voice"`
	Engine  string        `yaml:"engine"`
	Timeout time.Duration `yaml:"timeout"`
}

type ElevenLabsConfig struct {
	APIKey   secrets.Credential `yaml:"api_key"`
	Endpoint string             `yaml:"endpoint"`
	VoiceID  string             `yaml:"voice"`
	Model    string             `yaml:"model"`
	Timeout  time.Duration      `yaml:"timeout"`
}

// Config selects one vendor per modality. Vendor settings left empty fall
// back to the adapter's VOX_* environment variables.
type Config struct {
	Transcription string           `yaml:"transcription"`
	Reasoning     string           `yaml:"reasoning"`
	Synthesis     string           `yaml:"synthesis"`
	Deepgram      DeepgramConfig   `yaml:"deepgram"`
	Anthropic     AnthropicConfig  `yaml:"anthropic"`
	Polly         PollyConfig      `yaml:"polly"`
	ElevenLabs    ElevenLabsConfig `yaml:"elevenlabs"`
}

func (c Config) withDefaults() Config {
	c.Transcription = strings.ToLower(strings.TrimSpace(c.Transcription))
	c.Reasoning = strings.ToLower(strings.TrimSpace(c.Reasoning))
	c.Synthesis = strings.ToLower(strings.TrimSpace(c.Synthesis))
	if c.Transcription == "" {
		c.Transcription = Deepgram
	}
	if c.Reasoning == "" {
		c.Reasoning = Anthropic
	}
	if c.Synthesis == "" {
		c.Synthesis = Polly
	}
	return c
}

// Validate checks vendor names without touching credentials.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Transcription != Deepgram {
		return fmt.Errorf("providers.transcription: unsupported vendor %q", c.Transcription)
	}
	if c.Reasoning != Anthropic {
		return fmt.Errorf("providers.reasoning: unsupported vendor %q", c.Reasoning)
	}
	if c.Synthesis != Polly && c.Synthesis != ElevenLabs {
		return fmt.Errorf("providers.synthesis: unsupported vendor %q", c.Synthesis)
	}
	return nil
}

// Providers holds the selected adapter per modality.
type Providers struct {
	Catalog       registry.Catalog
	Transcription contracts.TranscriptionProvider
	Reasoning     contracts.ReasoningProvider
	Synthesis     contracts.SynthesisProvider
}

// Build constructs the configured adapters.
func Build(cfg Config, logger *zap.Logger) (Providers, error) {
	if err := cfg.Validate(); err != nil {
		return Providers{}, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var all []contracts.Provider
	stt, err := buildDeepgram(cfg.Deepgram, logger)
	if err != nil {
		return Providers{}, err
	}
	all = append(all, stt)

	llm, err := buildAnthropic(cfg.Anthropic, logger)
	if err != nil {
		return Providers{}, err
	}
	all = append(all, llm)

	switch cfg.Synthesis {
	case ElevenLabs:
		tts, err := buildElevenLabs(cfg.ElevenLabs, logger)
		if err != nil {
			return Providers{}, err
		}
		all = append(all, tts)
	default:
		tts, err := buildPolly(cfg.Polly)
		if err != nil {
			return Providers{}, err
		}
		all = append(all, tts)
	}

	catalog, err := registry.NewCatalog(all...)
	if err != nil {
		return Providers{}, err
	}
	return FromCatalog(catalog)
}

// FromCatalog selects the single registered provider of each modality.
func FromCatalog(catalog registry.Catalog) (Providers, error) {
	out := Providers{Catalog: catalog}
	pick := func(m contracts.Modality) (string, error) {
		ids := catalog.ProviderIDs(m)
		if len(ids) != 1 {
			return "", fmt.Errorf("modality %q requires exactly one provider, got %d", m, len(ids))
		}
		return ids[0], nil
	}
	id, err := pick(contracts.ModalitySTT)
	if err != nil {
		return Providers{}, err
	}
	if out.Transcription, err = catalog.Transcription(id); err != nil {
		return Providers{}, err
	}
	if id, err = pick(contracts.ModalityLLM); err != nil {
		return Providers{}, err
	}
	if out.Reasoning, err = catalog.Reasoning(id); err != nil {
		return Providers{}, err
	}
	if id, err = pick(contracts.ModalityTTS); err != nil {
		return Providers{}, err
	}
	if out.Synthesis, err = catalog.Synthesis(id); err != nil {
		return Providers{}, err
	}
	return out, nil
}

func resolve(c secrets.Credential, current string, field string) (string, error) {
	if !c.IsSet() {
		return current, nil
	}
	v, err := c.Resolve(nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func override(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func buildDeepgram(c DeepgramConfig, logger *zap.Logger) (*sttdeepgram.Adapter, error) {
	cfg := sttdeepgram.ConfigFromEnv()
	key, err := resolve(c.APIKey, cfg.APIKey, "providers.deepgram.api_key")
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	override(&cfg.Endpoint, c.Endpoint)
	override(&cfg.Model, c.Model)
	override(&cfg.Language, c.Language)
	overrideDuration(&cfg.Timeout, c.Timeout)
	return sttdeepgram.NewAdapter(cfg, logger)
}

func buildAnthropic(c AnthropicConfig, logger *zap.Logger) (*llmanthropic.Adapter, error) {
	cfg := llmanthropic.ConfigFromEnv()
	key, err := resolve(c.APIKey, cfg.APIKey, "providers.anthropic.api_key")
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	override(&cfg.Endpoint, c.Endpoint)
	override(&cfg.Model, c.Model)
	override(&cfg.AnthropicVersion, c.Version)
	if c.MaxTokens > 0 {
		cfg.MaxTokens = c.MaxTokens
	}
	overrideDuration(&cfg.Timeout, c.Timeout)
	return llmanthropic.NewAdapter(cfg, logger)
}

func buildPolly(c PollyConfig) (*ttspolly.Adapter, error) {
	cfg := ttspolly.ConfigFromEnv()
	override(&cfg.Region, c.Region)
	override(&cfg.VoiceID, c.VoiceID)
	override(&cfg.Engine, c.Engine)
	overrideDuration(&cfg.Timeout, c.Timeout)
	return ttspolly.NewAdapter(cfg)
}

func buildElevenLabs(c ElevenLabsConfig, logger *zap.Logger) (*ttselevenlabs.Adapter, error) {
	cfg := ttselevenlabs.ConfigFromEnv()
	key, err := resolve(c.APIKey, cfg.APIKey, "providers.elevenlabs.api_key")
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	override(&cfg.BaseURL, c.Endpoint)
	override(&cfg.VoiceID, c.VoiceID)
	override(&cfg.ModelID, c.Model)
	overrideDuration(&cfg.Timeout, c.Timeout)
	return ttselevenlabs.NewAdapter(cfg, logger)
}
